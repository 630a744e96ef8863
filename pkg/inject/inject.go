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

// Package inject mutates JSON request bodies at the byte level.
//
// Upstream prompt caches match on byte-identical prefixes. Decoding and
// re-encoding a body, even without changing content, reorders keys and
// whitespace and voids the match. Every operation here therefore splices
// into the original bytes, leaving everything before the insertion point
// untouched. The scanner understands exactly as much JSON as that needs:
// string literals with escapes, and bracket nesting.
package inject

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrNoSystem is returned when the body has no usable system field.
	ErrNoSystem = errors.New("no system field in body")

	// ErrNoUserContent is returned when no user message with a content
	// field follows the last "role":"user". The body is returned unchanged.
	ErrNoUserContent = errors.New("no user message content in body")

	// ErrMalformed is returned for bodies the scanner cannot walk.
	ErrMalformed = errors.New("malformed json body")
)

// IntoSystem inserts text as a new {"type":"text","text":…} element at the
// end of the system array. When system is a plain string, the escaped text is
// appended inside the string instead. Either way every byte before the
// insertion point is preserved. The inserted block never carries a
// cache-control marker: providers cap cache breakpoints and the host client
// already spends them.
func IntoSystem(raw []byte, text string) ([]byte, error) {
	if text == "" {
		return raw, nil
	}
	at := findTopLevelKey(raw, "system")
	if at < 0 {
		return raw, ErrNoSystem
	}
	switch raw[at] {
	case '[':
		return insertArrayElement(raw, at, []byte(`{"type":"text","text":"`+escapeString(text)+`"}`))
	case '"':
		end := skipString(raw, at)
		if end < 0 {
			return raw, ErrMalformed
		}
		// Append inside the string, before its closing quote.
		return splice(raw, end-1, []byte(escapeString(text))), nil
	default:
		return raw, fmt.Errorf("%w: system is neither array nor string", ErrNoSystem)
	}
}

// IntoLastUserMessage appends text to the content of the last user message.
// String content grows in place before its closing quote; array content gains
// a trailing text block. When the scan finds no user message content the body
// is returned unchanged with ErrNoUserContent.
func IntoLastUserMessage(raw []byte, text string) ([]byte, error) {
	if text == "" {
		return raw, nil
	}
	at := findLastUserContent(raw)
	if at < 0 {
		return raw, ErrNoUserContent
	}
	switch raw[at] {
	case '"':
		end := skipString(raw, at)
		if end < 0 {
			return raw, ErrMalformed
		}
		return splice(raw, end-1, []byte(escapeString(text))), nil
	case '[':
		return insertArrayElement(raw, at, []byte(`{"type":"text","text":"`+escapeString(text)+`"}`))
	default:
		return raw, ErrNoUserContent
	}
}

// Tool appends a tool definition object to the top-level tools array,
// creating the array before the body's closing brace when absent. The tool
// bytes are spliced in verbatim; the caller is responsible for passing a
// valid JSON object.
func Tool(raw []byte, tool []byte) ([]byte, error) {
	if len(tool) == 0 {
		return raw, nil
	}
	at := findTopLevelKey(raw, "tools")
	if at >= 0 {
		if raw[at] != '[' {
			return raw, ErrMalformed
		}
		return insertArrayElement(raw, at, tool)
	}

	// No tools array: create one just before the root object closes.
	root := skipWS(raw, 0)
	if root >= len(raw) || raw[root] != '{' {
		return raw, ErrMalformed
	}
	close := matchBracket(raw, root)
	if close < 0 {
		return raw, ErrMalformed
	}
	prev := lastNonWS(raw, close)
	field := append([]byte(`,"tools":[`), tool...)
	if prev == root {
		field = field[1:] // empty object, no leading comma
	}
	field = append(field, ']')
	return splice(raw, close, field), nil
}

// insertArrayElement splices elem in before the closing bracket of the array
// starting at raw[at], adding a comma unless the array is empty.
func insertArrayElement(raw []byte, at int, elem []byte) ([]byte, error) {
	end := matchBracket(raw, at)
	if end < 0 {
		return raw, ErrMalformed
	}
	if lastNonWS(raw, end) != at {
		elem = append([]byte{','}, elem...)
	}
	return splice(raw, end, elem), nil
}

// findTopLevelKey returns the index of the value for key in the root object,
// or -1 when the key is absent. Keys inside nested values and string
// literals are never matched.
func findTopLevelKey(raw []byte, key string) int {
	i := skipWS(raw, 0)
	if i >= len(raw) || raw[i] != '{' {
		return -1
	}
	i++
	for i < len(raw) {
		i = skipWS(raw, i)
		if i >= len(raw) {
			return -1
		}
		switch raw[i] {
		case '}':
			return -1
		case ',':
			i++
			continue
		case '"':
		default:
			return -1
		}
		keyEnd := skipString(raw, i)
		if keyEnd < 0 {
			return -1
		}
		name := raw[i+1 : keyEnd-1]
		i = skipWS(raw, keyEnd)
		if i >= len(raw) || raw[i] != ':' {
			return -1
		}
		i = skipWS(raw, i+1)
		if i >= len(raw) {
			return -1
		}
		if string(name) == key {
			return i
		}
		next := skipValue(raw, i)
		if next < 0 {
			return -1
		}
		i = next
	}
	return -1
}

// findLastUserContent locates the last `"role":"user"` in the buffer, then
// the value of the "content" key that follows within the same object.
// Returns -1 when either part of the scan fails.
func findLastUserContent(raw []byte) int {
	lastRole := -1
	i := 0
	for i < len(raw) {
		if raw[i] != '"' {
			i++
			continue
		}
		end := skipString(raw, i)
		if end < 0 {
			return -1
		}
		if string(raw[i+1:end-1]) == "role" {
			j := skipWS(raw, end)
			if j < len(raw) && raw[j] == ':' {
				j = skipWS(raw, j+1)
				if j < len(raw) && raw[j] == '"' {
					vend := skipString(raw, j)
					if vend > 0 && string(raw[j+1:vend-1]) == "user" {
						lastRole = i
						end = vend
					}
				}
			}
		}
		i = end
	}
	if lastRole < 0 {
		return -1
	}

	// Resume after the role value and look for a sibling "content" key.
	// These skips retrace bytes validated when lastRole was recorded.
	i = skipString(raw, lastRole)
	if i < 0 {
		return -1
	}
	i = skipWS(raw, i)
	if i >= len(raw) || raw[i] != ':' {
		return -1
	}
	i = skipString(raw, skipWS(raw, i+1))
	if i < 0 {
		return -1
	}
	depth := 0
	for i < len(raw) {
		switch raw[i] {
		case '"':
			end := skipString(raw, i)
			if end < 0 {
				return -1
			}
			if depth == 0 && string(raw[i+1:end-1]) == "content" {
				j := skipWS(raw, end)
				if j < len(raw) && raw[j] == ':' {
					return skipWS(raw, j+1)
				}
			}
			i = end
			continue
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth < 0 {
				return -1 // message object closed, no content after role
			}
		}
		i++
	}
	return -1
}

// matchBracket returns the index of the bracket matching raw[i] ('[' or '{'),
// skipping string literals wholesale, or -1 when unbalanced.
func matchBracket(raw []byte, i int) int {
	depth := 0
	for i < len(raw) {
		switch raw[i] {
		case '"':
			end := skipString(raw, i)
			if end < 0 {
				return -1
			}
			i = end
			continue
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
		i++
	}
	return -1
}

// skipString returns the index just past the string starting at raw[i].
// A backslash and its follower always count as one unit.
func skipString(raw []byte, i int) int {
	if i < 0 || i >= len(raw) || raw[i] != '"' {
		return -1
	}
	i++
	for i < len(raw) {
		switch raw[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return -1
}

// skipValue returns the index just past the JSON value starting at raw[i].
func skipValue(raw []byte, i int) int {
	i = skipWS(raw, i)
	if i >= len(raw) {
		return -1
	}
	switch raw[i] {
	case '"':
		return skipString(raw, i)
	case '[', '{':
		end := matchBracket(raw, i)
		if end < 0 {
			return -1
		}
		return end + 1
	default:
		for i < len(raw) {
			switch raw[i] {
			case ',', '}', ']', ' ', '\t', '\n', '\r':
				return i
			}
			i++
		}
		return i
	}
}

func skipWS(raw []byte, i int) int {
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// lastNonWS returns the index of the last non-whitespace byte before i.
func lastNonWS(raw []byte, i int) int {
	for i--; i >= 0; i-- {
		switch raw[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return i
		}
	}
	return -1
}

func splice(raw []byte, at int, insert []byte) []byte {
	out := make([]byte, 0, len(raw)+len(insert))
	out = append(out, raw[:at]...)
	out = append(out, insert...)
	out = append(out, raw[at:]...)
	return out
}

// escapeString escapes s for embedding inside a JSON string literal.
func escapeString(s string) string {
	buf := make([]byte, 0, len(s)+8)
	for _, r := range s {
		switch r {
		case '\\':
			buf = append(buf, '\\', '\\')
		case '"':
			buf = append(buf, '\\', '"')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, fmt.Sprintf("\\u%04x", r)...)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return string(buf)
}
