// Copyright 2026 The Grov Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package assist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce lets editor-style write bursts settle before rereading.
const reloadDebounce = 250 * time.Millisecond

// KeySource yields the auxiliary-model API key. It is either a fixed key
// or a credentials file reread whenever the host client rotates it.
type KeySource struct {
	mu  sync.RWMutex
	key string

	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	timerMu sync.Mutex
	timer   *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// StaticKey wraps a fixed key, for keys sourced from config or the OS
// keyring.
func StaticKey(key string) *KeySource {
	return &KeySource{key: key}
}

// WatchCredentials reads the credentials file at path and rereads it on
// change. A missing file is not an error: the key stays empty until the
// host client writes one.
func WatchCredentials(path string, logger *zap.Logger) (*KeySource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create credentials watcher: %w", err)
	}
	// Watch the directory, not the file: rotation usually happens as
	// write-to-temp plus rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch credentials directory: %w", err)
	}

	k := &KeySource{
		path:    path,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	k.reload()
	go k.watchLoop()
	return k, nil
}

// Key returns the current key, empty when none is configured.
func (k *KeySource) Key() string {
	if k == nil {
		return ""
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// Close stops the watcher. Safe on static sources and safe to call twice.
func (k *KeySource) Close() error {
	if k == nil || k.watcher == nil {
		return nil
	}
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		err = k.watcher.Close()
	})
	return err
}

func (k *KeySource) watchLoop() {
	for {
		select {
		case event, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(k.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			k.debounceReload()
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			k.logger.Warn("credentials watcher error", zap.Error(err))
		case <-k.done:
			return
		}
	}
}

func (k *KeySource) debounceReload() {
	k.timerMu.Lock()
	defer k.timerMu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(reloadDebounce, k.reload)
}

// credentialsFile is the JSON shape of the credential file. A plain-text
// key file is accepted too.
type credentialsFile struct {
	APIKey string `json:"api_key"`
}

func (k *KeySource) reload() {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if !os.IsNotExist(err) {
			k.logger.Warn("failed to read credentials file", zap.String("path", k.path), zap.Error(err))
		}
		k.setKey("")
		return
	}
	if info, err := os.Stat(k.path); err == nil && info.Mode().Perm()&0o077 != 0 {
		k.logger.Warn("credentials file is readable by other users",
			zap.String("path", k.path),
			zap.String("mode", info.Mode().Perm().String()))
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var creds credentialsFile
		if err := json.Unmarshal(data, &creds); err != nil {
			k.logger.Warn("malformed credentials file", zap.String("path", k.path), zap.Error(err))
			k.setKey("")
			return
		}
		k.setKey(creds.APIKey)
		return
	}
	k.setKey(trimmed)
}

func (k *KeySource) setKey(key string) {
	k.mu.Lock()
	changed := k.key != key
	k.key = key
	k.mu.Unlock()
	if changed && k.logger != nil {
		k.logger.Info("auxiliary API key reloaded", zap.Bool("present", key != ""))
	}
}
