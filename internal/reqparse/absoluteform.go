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

// splitAbsoluteForm detects an absolute-form request target
// (scheme://host[:port][/path]) in the just-parsed RawPath and, if found,
// extracts the host[:port] into req.uriHost and rewrites RawPath to the
// path-only remainder, per spec.md §4.4(a). Origin-form targets ("/path")
// are left untouched.
func (p *Parser) splitAbsoluteForm() error {
	target := p.req.RawPath
	schemeEnd := strings.Index(target, "://")
	if schemeEnd < 0 {
		return nil
	}
	scheme := target[:schemeEnd]
	for _, c := range scheme {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return nil // not actually a scheme; treat as origin-form (rare, tolerant)
		}
	}
	rest := target[schemeEnd+len("://"):]

	pathStart := strings.IndexByte(rest, '/')
	var hostport, path string
	if pathStart < 0 {
		hostport = rest
		path = "/"
	} else {
		hostport = rest[:pathStart]
		path = rest[pathStart:]
	}
	if hostport == "" {
		return wserr.Protocol(400, "absolute-form uri missing host")
	}
	if err := validateHostChars(hostport); err != nil {
		return err
	}
	p.req.uriHost = hostport
	p.req.RawPath = path
	return nil
}

// validateHostChars enforces spec.md §4.4(a)'s host charset: unreserved-URI
// ∪ sub-delims, plus ':' for the port and '%' for percent-escapes.
func validateHostChars(h string) error {
	const subDelims = "!$&'()*+,;="
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		case c == ':' || c == '%' || c == '[' || c == ']':
		case strings.IndexByte(subDelims, c) >= 0:
		default:
			return wserr.Protocol(400, "invalid character in host")
		}
	}
	return nil
}
