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
	"strconv"
	"strings"

	"github.com/hepple42/42-webserv/internal/wsconfig"
	"github.com/hepple42/42-webserv/internal/wserr"
)

// rlState enumerates the request-line sub-machine's states, named after
// spec.md §4.4(a):
//   Start → Method → AfterMethod → URI[?Query][#Fragment] → AfterUri →
//   Version → AfterVersion → AlmostDone → Done
type rlState int

const (
	rlStart rlState = iota
	rlMethod
	rlSpacesBeforeURI
	rlURI
	rlQuery
	rlFragment
	rlSpacesBeforeVersion
	rlVersion
	rlAlmostDone
	rlDone
)

// knownMethod records whether a recognised method literal is one of the
// four this server supports, per spec.md §4.4(a): {GET, HEAD, POST, DELETE}
// succeed; {PUT, PATCH, TRACE, CONNECT, OPTIONS} are recognised-but-refused
// (501); anything else is a plain parse failure (400).
type knownMethod struct {
	method    wsconfig.Method
	supported bool
}

var knownMethods = map[string]knownMethod{
	"GET":     {wsconfig.MethodGet, true},
	"HEAD":    {wsconfig.MethodHead, true},
	"POST":    {wsconfig.MethodPost, true},
	"DELETE":  {wsconfig.MethodDelete, true},
	"PUT":     {supported: false},
	"PATCH":   {supported: false},
	"TRACE":   {supported: false},
	"CONNECT": {supported: false},
	"OPTIONS": {supported: false},
}

// requestLineMachine scans one request line, byte by byte, from a shared
// cursor into buf. It returns the number of bytes consumed and, on
// completion, the populated prefix of Request plus any failure.
type requestLineMachine struct {
	state rlState

	methodBuf strings.Builder
	uriBuf    strings.Builder
	queryBuf  strings.Builder
	fragBuf   strings.Builder
	verBuf    strings.Builder

	leadingCRLFsSkipped bool
}

// feed advances the machine over buf starting at 0, returning how many
// bytes were consumed. When it returns done=true, req's Method/RawPath/
// RawQuery/Fragment are populated; an absolute-form host is still part of
// RawPath until Parser.splitAbsoluteForm splits it out.
func (m *requestLineMachine) feed(buf []byte, req *Request) (consumed int, done bool, err error) {
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		consumed = i + 1
		switch m.state {
		case rlStart:
			if !m.leadingCRLFsSkipped && (c == '\r' || c == '\n') {
				continue // tolerate leading CRLFs before the method
			}
			m.leadingCRLFsSkipped = true
			if !isUpperAlpha(c) {
				return consumed, false, wserr.Protocol(400, "bad method start")
			}
			m.methodBuf.WriteByte(c)
			m.state = rlMethod
		case rlMethod:
			if c == ' ' {
				if err := m.finishMethod(req); err != nil {
					return consumed, false, err
				}
				m.state = rlSpacesBeforeURI
				continue
			}
			if !isUpperAlpha(c) {
				return consumed, false, wserr.Protocol(400, "bad method character")
			}
			if m.methodBuf.Len() >= 7 {
				return consumed, false, wserr.Protocol(400, "method too long")
			}
			m.methodBuf.WriteByte(c)
		case rlSpacesBeforeURI:
			if c == ' ' {
				continue
			}
			if !isPrintable(c) {
				return consumed, false, wserr.Protocol(400, "bad uri start")
			}
			m.uriBuf.WriteByte(c)
			m.state = rlURI
		case rlURI:
			switch c {
			case ' ':
				req.RawPath = m.uriBuf.String()
				m.state = rlSpacesBeforeVersion
			case '?':
				req.RawPath = m.uriBuf.String()
				m.state = rlQuery
			case '#':
				req.RawPath = m.uriBuf.String()
				m.state = rlFragment
			case '\r', '\n':
				return consumed, false, wserr.Protocol(400, "unterminated uri")
			default:
				if !isPrintable(c) {
					return consumed, false, wserr.Protocol(400, "bad uri character")
				}
				m.uriBuf.WriteByte(c)
			}
		case rlQuery:
			switch c {
			case ' ':
				req.RawQuery = m.queryBuf.String()
				m.state = rlSpacesBeforeVersion
			case '#':
				req.RawQuery = m.queryBuf.String()
				m.state = rlFragment
			case '\r', '\n':
				return consumed, false, wserr.Protocol(400, "unterminated uri")
			default:
				if !isPrintable(c) {
					return consumed, false, wserr.Protocol(400, "bad query character")
				}
				m.queryBuf.WriteByte(c)
			}
		case rlFragment:
			switch c {
			case ' ':
				req.Fragment = m.fragBuf.String()
				m.state = rlSpacesBeforeVersion
			case '\r', '\n':
				return consumed, false, wserr.Protocol(400, "unterminated uri")
			default:
				// fragment is parsed but discarded, per spec.md §4.4(a).
				m.fragBuf.WriteByte(c)
			}
		case rlSpacesBeforeVersion:
			if c == ' ' {
				continue
			}
			if !isPrintable(c) {
				return consumed, false, wserr.Protocol(400, "bad version start")
			}
			m.verBuf.WriteByte(c)
			m.state = rlVersion
		case rlVersion:
			switch c {
			case '\r':
				if err := m.finishVersion(); err != nil {
					return consumed, false, err
				}
				m.state = rlAlmostDone
			case '\n':
				// tolerate LF-only line terminators, per spec.md §6.
				if err := m.finishVersion(); err != nil {
					return consumed, false, err
				}
				m.state = rlDone
				return consumed, true, nil
			default:
				if !isPrintable(c) {
					return consumed, false, wserr.Protocol(400, "bad version character")
				}
				m.verBuf.WriteByte(c)
			}
		case rlAlmostDone:
			if c != '\n' {
				return consumed, false, wserr.Protocol(400, "expected LF after CR")
			}
			m.state = rlDone
			return consumed, true, nil
		}
	}
	return consumed, false, nil
}

func (m *requestLineMachine) finishMethod(req *Request) error {
	lit := m.methodBuf.String()
	known, ok := knownMethods[lit]
	if !ok {
		return wserr.Protocol(400, "unrecognised method "+lit)
	}
	if !known.supported {
		return wserr.Protocol(501, "method not implemented: "+lit)
	}
	req.Method = known.method
	return nil
}

func (m *requestLineMachine) finishVersion() error {
	v := m.verBuf.String()
	if !strings.HasPrefix(v, "HTTP/") {
		return wserr.Protocol(400, "malformed version "+v)
	}
	rest := v[len("HTTP/"):]
	major, minor, ok := strings.Cut(rest, ".")
	if !ok {
		return wserr.Protocol(400, "malformed version "+v)
	}
	majN, err1 := strconv.Atoi(major)
	minN, err2 := strconv.Atoi(minor)
	if err1 != nil || err2 != nil {
		return wserr.Protocol(400, "malformed version "+v)
	}
	if majN != 1 {
		return wserr.Protocol(501, "unsupported HTTP major version")
	}
	if minN != 1 {
		return wserr.Protocol(501, "unsupported HTTP minor version")
	}
	return nil
}

func isUpperAlpha(c byte) bool { return c >= 'A' && c <= 'Z' }

// isPrintable accepts visible ASCII plus raw UTF-8 continuation bytes; CR,
// LF and other control characters are rejected everywhere in the request
// line except as the explicit line-terminating bytes handled by the caller.
func isPrintable(c byte) bool { return c >= 0x21 && c != 0x7F }
