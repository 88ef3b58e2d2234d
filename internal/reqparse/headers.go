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

	"golang.org/x/net/http/httpguts"

	"github.com/hepple42/42-webserv/internal/wserr"
)

// hState enumerates the header sub-machine's states, per spec.md §4.4(b):
//   KeyStart → Key(':') → ValueStart → Value → AlmostDoneLine → KeyStart
// repeating until a blank line ends the block.
type hState int

const (
	hKeyStart hState = iota
	hKey
	hColon
	hValueStart
	hValue
	hAlmostDoneLine
	hAlmostDoneBlock
)

const separators = "()<>@,;:\"/[]?={} \t"

func isSeparator(c byte) bool { return strings.IndexByte(separators, c) >= 0 }

// isTokenChar is the RFC 7230 `token` charset: printable ASCII minus the
// listed separators.
func isTokenChar(c byte) bool {
	if c < 0x21 || c == 0x7F {
		return false
	}
	return !isSeparator(c)
}

// isTextChar is the header-value charset: printable ASCII plus horizontal tab.
func isTextChar(c byte) bool {
	if c == '\t' {
		return true
	}
	return c >= 0x20 && c != 0x7F
}

// headerMachine scans the header block one line at a time from the shared
// cursor, inserting each key/value pair into req.Headers (upper-casing and
// deduplicating keys per spec.md §4.4(b)) until the blank line is reached.
type headerMachine struct {
	state hState

	keyBuf strings.Builder
	valBuf strings.Builder
}

// feed advances over buf, returning bytes consumed. done=true once the
// blank line terminating the header block has been scanned.
func (m *headerMachine) feed(buf []byte, req *Request) (consumed int, done bool, err error) {
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		consumed = i + 1
		switch m.state {
		case hKeyStart:
			switch c {
			case '\r':
				m.state = hAlmostDoneBlock
			case '\n':
				return consumed, true, nil
			default:
				if !isTokenChar(c) {
					return consumed, false, wserr.Protocol(400, "bad header key start")
				}
				m.keyBuf.WriteByte(c)
				m.state = hKey
			}
		case hKey:
			switch c {
			case ':':
				m.state = hColon
			case '\r', '\n':
				return consumed, false, wserr.Protocol(400, "header line missing colon")
			default:
				if !isTokenChar(c) {
					return consumed, false, wserr.Protocol(400, "bad header key character")
				}
				m.keyBuf.WriteByte(c)
			}
		case hColon:
			if c == ' ' || c == '\t' {
				continue
			}
			m.state = hValueStart
			fallthrough
		case hValueStart:
			switch c {
			case '\r':
				if err := m.commit(req); err != nil {
					return consumed, false, err
				}
				m.state = hAlmostDoneLine
			case '\n':
				if err := m.commit(req); err != nil {
					return consumed, false, err
				}
				m.state = hKeyStart
			default:
				if !isTextChar(c) {
					return consumed, false, wserr.Protocol(400, "bad header value character")
				}
				m.valBuf.WriteByte(c)
				m.state = hValue
			}
		case hValue:
			switch c {
			case '\r':
				if err := m.commit(req); err != nil {
					return consumed, false, err
				}
				m.state = hAlmostDoneLine
			case '\n':
				if err := m.commit(req); err != nil {
					return consumed, false, err
				}
				m.state = hKeyStart
			default:
				if !isTextChar(c) {
					return consumed, false, wserr.Protocol(400, "bad header value character")
				}
				m.valBuf.WriteByte(c)
			}
		case hAlmostDoneLine:
			if c != '\n' {
				return consumed, false, wserr.Protocol(400, "expected LF after CR in header line")
			}
			m.state = hKeyStart
		case hAlmostDoneBlock:
			if c != '\n' {
				return consumed, false, wserr.Protocol(400, "expected LF after CR ending headers")
			}
			return consumed, true, nil
		}
	}
	return consumed, false, nil
}

// commit finalises one key/value pair, trimming trailing OWS from the
// value, upper-casing the key, and appending it to req.Headers.
func (m *headerMachine) commit(req *Request) error {
	key := m.keyBuf.String()
	val := strings.TrimRight(m.valBuf.String(), " \t")
	m.keyBuf.Reset()
	m.valBuf.Reset()

	if !httpguts.ValidHeaderFieldName(key) {
		return wserr.Protocol(400, "invalid header field name")
	}
	if !httpguts.ValidHeaderFieldValue(val) {
		return wserr.Protocol(400, "invalid header field value")
	}

	upper := strings.ToUpper(key)
	if upper == "HOST" {
		if _, exists := req.Headers[upper]; exists {
			return wserr.Protocol(400, "duplicate Host header")
		}
	}
	req.addHeader(key, val)
	return nil
}
