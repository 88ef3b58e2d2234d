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
	"github.com/hepple42/42-webserv/internal/wserr"
)

// chunkState enumerates the chunked-transfer sub-machine's states, per
// spec.md §4.4(c):
//   LengthStart → Length → LengthExt → Almost → Data → Almost → LengthStart
// ending via Length0 → AlmostDone → Done (a final "0\r\n\r\n").
type chunkState int

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeCR
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailerCR
	chunkTrailerLF
	chunkDone
)

// bodyMachine consumes the request body, in either fixed-length or chunked
// framing. It is only entered once the owning Connection has resolved a
// Location and supplied the effective client_max_body_size via BeginBody,
// per spec.md §4.4(c)'s "compared ... at framing decision time" rule.
type bodyMachine struct {
	framing Framing

	// length framing
	remaining int64

	// chunked framing
	cstate       chunkState
	chunkSizeVal int64
	chunkLeft    int64

	maxBodySize int64
	bodySize    int64
}

// sizeFromHeaders inspects Content-Length / Transfer-Encoding and returns
// the framing plus, for Length framing, the declared size — without yet
// enforcing the body bound (that happens in BeginBody once a Location is
// known). Returns an error for any framing contradiction (spec.md §4.4(b)).
func sizeFromHeaders(req *Request) (Framing, int64, error) {
	_, hasCL := req.Header("Content-Length")
	teVal, hasTE := req.Header("Transfer-Encoding")

	if hasCL && hasTE {
		return 0, 0, wserr.Protocol(400, "both Content-Length and Transfer-Encoding present")
	}
	if hasTE {
		if teVal != "chunked" {
			return 0, 0, wserr.Protocol(501, "unsupported Transfer-Encoding: "+teVal)
		}
		return FramingChunked, 0, nil
	}
	if hasCL {
		clVal, _ := req.Header("Content-Length")
		n, err := parseContentLength(clVal)
		if err != nil {
			return 0, 0, err
		}
		return FramingLength, n, nil
	}
	return FramingNone, 0, nil
}

func parseContentLength(s string) (int64, error) {
	if s == "" {
		return 0, wserr.Protocol(400, "empty Content-Length")
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, wserr.Protocol(400, "non-numeric Content-Length")
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// BeginBody finalises framing against the resolved location's effective
// client_max_body_size bound, returning a 413 ProtocolError immediately for
// Length framing that already exceeds it (spec.md §4.4(c)).
func (b *bodyMachine) BeginBody(framing Framing, declaredLen, maxBodySize int64) error {
	b.framing = framing
	b.maxBodySize = maxBodySize
	switch framing {
	case FramingNone:
		return nil
	case FramingLength:
		if declaredLen > maxBodySize {
			return wserr.Protocol(413, "Content-Length exceeds client_max_body_size")
		}
		b.remaining = declaredLen
		return nil
	case FramingChunked:
		b.cstate = chunkSize
		return nil
	}
	return nil
}

// feed consumes body bytes from buf into req.Body, returning bytes consumed
// and whether the body (and therefore the whole request) is complete.
func (b *bodyMachine) feed(buf []byte, req *Request) (consumed int, done bool, err error) {
	switch b.framing {
	case FramingNone:
		return 0, true, nil
	case FramingLength:
		return b.feedLength(buf, req)
	case FramingChunked:
		return b.feedChunked(buf, req)
	default:
		return 0, true, nil
	}
}

func (b *bodyMachine) feedLength(buf []byte, req *Request) (int, bool, error) {
	if b.remaining == 0 {
		return 0, true, nil
	}
	n := int64(len(buf))
	if n > b.remaining {
		n = b.remaining
	}
	req.Body = append(req.Body, buf[:n]...)
	b.remaining -= n
	return int(n), b.remaining == 0, nil
}

func (b *bodyMachine) feedChunked(buf []byte, req *Request) (consumed int, done bool, err error) {
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		consumed = i + 1
		switch b.cstate {
		case chunkSize:
			switch {
			case isHexDigit(c):
				b.chunkSizeVal = b.chunkSizeVal*16 + int64(hexDigitVal(c))
			case c == ';':
				b.cstate = chunkExt
			case c == '\r':
				b.cstate = chunkSizeCR
			default:
				return consumed, false, wserr.Protocol(400, "bad chunk size character")
			}
		case chunkExt:
			// chunk extensions after ';' are skipped, per spec.md §4.4(c).
			if c == '\r' {
				b.cstate = chunkSizeCR
			}
		case chunkSizeCR:
			if c != '\n' {
				return consumed, false, wserr.Protocol(400, "expected LF after chunk size")
			}
			if b.chunkSizeVal == 0 {
				b.cstate = chunkTrailerCR
				continue
			}
			b.bodySize += b.chunkSizeVal
			if b.bodySize > b.maxBodySize {
				return consumed, false, wserr.Protocol(413, "chunked body exceeds client_max_body_size")
			}
			b.chunkLeft = b.chunkSizeVal
			b.chunkSizeVal = 0
			b.cstate = chunkData
		case chunkData:
			avail := len(buf) - i
			take := int64(avail)
			if take > b.chunkLeft {
				take = b.chunkLeft
			}
			req.Body = append(req.Body, buf[i:i+int(take)]...)
			b.chunkLeft -= take
			i += int(take) - 1
			consumed = i + 1
			if b.chunkLeft == 0 {
				b.cstate = chunkDataCR
			}
		case chunkDataCR:
			if c != '\r' {
				return consumed, false, wserr.Protocol(400, "expected CR after chunk data")
			}
			b.cstate = chunkDataLF
		case chunkDataLF:
			if c != '\n' {
				return consumed, false, wserr.Protocol(400, "expected LF after chunk data")
			}
			b.cstate = chunkSize
		case chunkTrailerCR:
			// trailers are not supported, per spec.md §4.4(c): anything
			// after the terminating "0\r\n" that is not the final "\r\n"
			// is a parse failure.
			if c != '\r' {
				return consumed, false, wserr.Protocol(400, "trailers not supported")
			}
			b.cstate = chunkTrailerLF
		case chunkTrailerLF:
			if c != '\n' {
				return consumed, false, wserr.Protocol(400, "expected LF ending chunked body")
			}
			b.cstate = chunkDone
			return consumed, true, nil
		}
	}
	return consumed, false, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexDigitVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
