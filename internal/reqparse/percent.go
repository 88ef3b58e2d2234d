// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reqparse

import (
	"strings"

	"github.com/hepple42/42-webserv/internal/wserr"
)

// percentDecode decodes %HH sequences in s. It is deliberately narrower than
// net/url's QueryUnescape: '+' is left untouched (this is a path/host
// decoder, not a form decoder), and any truncated or non-hex escape is a
// hard parse failure (400) rather than a silent pass-through, per spec.md
// §4.4(a)'s "Characters ... %HH sequences are accepted" rule.
func percentDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", wserr.Protocol(400, "truncated percent-escape")
		}
		hi, ok1 := hexVal(s[i+1])
		lo, ok2 := hexVal(s[i+2])
		if !ok1 || !ok2 {
			return "", wserr.Protocol(400, "invalid percent-escape")
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// checkPathDepth walks the decoded path's segments and enforces spec.md
// §4.4(a)'s traversal invariant: "." is neutral, ".." decrements depth,
// anything else increments it; depth must never go negative, and the path
// must not end in "..". This runs before the filesystem ever sees the path
// (spec.md §8 invariant 5).
func checkPathDepth(path string) error {
	depth := 0
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch seg {
		case "", ".":
			// neutral (also covers the leading/trailing empty segments
			// produced by leading/trailing slashes)
		case "..":
			depth--
			if depth < 0 {
				return wserr.Protocol(400, "path traversal: depth went negative")
			}
			if i == len(segments)-1 {
				return wserr.Protocol(400, "path traversal: trailing ..")
			}
		default:
			depth++
		}
	}
	return nil
}
