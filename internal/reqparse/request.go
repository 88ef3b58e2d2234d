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

// Package reqparse implements the incremental HTTP/1.1 request parser of
// spec.md §4.4 (component C4): three coupled byte-stream state machines —
// request line, headers, body (fixed-length or chunked) — sharing one
// cursor through the connection's receive buffer. The incremental scanning
// itself is hand-written, the same way the teacher hand-writes comparable
// scanners (see DESIGN.md); header field names/values are given a final
// RFC 7230 validity check with golang.org/x/net/http/httpguts, already a
// transitive dependency of the teacher.
package reqparse

import (
	"strings"

	"github.com/hepple42/42-webserv/internal/wsconfig"
)

// Framing identifies how a request's body length is determined, per
// spec.md §3's Request invariant: framing is fixed before a single body
// byte is consumed.
type Framing int

const (
	FramingNone Framing = iota
	FramingLength
	FramingChunked
)

// Disposition is the connection-handling outcome a request calls for.
type Disposition int

const (
	DispositionKeepAlive Disposition = iota
	DispositionClose
)

// Request is the progressive structure spec.md §3 describes. Fields are
// filled in as parsing advances through RequestLine → Headers → Body; by the
// time Done is reported every field below is valid.
type Request struct {
	Method wsconfig.Method

	// RawPath/RawQuery are the still-percent-encoded bytes as received.
	RawPath  string
	RawQuery string
	Fragment string

	// uriHost is the still-encoded host[:port] extracted from an
	// absolute-form request target (http://host[:port]/path), if any. Empty
	// for origin-form targets.
	uriHost string

	// Path/Host are the percent-decoded forms used for routing and
	// filesystem resolution.
	Path string
	Host string

	// Headers maps an upper-cased header name to all values received for
	// it, in receipt order, per spec.md §4.4(b).
	Headers map[string][]string

	Body []byte

	Framing       Framing
	ContentLength int64

	Disposition Disposition

	// Resolved by the Router (C5); nil until routing has run.
	Server   *wsconfig.ServerBlock
	Location *wsconfig.Location

	// LocalAddr/PeerAddr identify the accepted connection this request
	// arrived on. The parser never sets these; the owning Connection (C3)
	// fills them in immediately after accept, since they are needed for
	// CGI's SERVER_PORT/REMOTE_ADDR variables (spec.md §4.7) long before
	// any bytes are parsed.
	LocalAddr wsconfig.Address
	PeerAddr  wsconfig.Address
}

// Header returns the first value of the (case-insensitive) header name, and
// whether it was present at all.
func (r *Request) Header(name string) (string, bool) {
	vs, ok := r.Headers[strings.ToUpper(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// HeaderAll returns every value received for name, in order.
func (r *Request) HeaderAll(name string) []string {
	return r.Headers[strings.ToUpper(name)]
}

func (r *Request) addHeader(name, value string) {
	key := strings.ToUpper(name)
	if r.Headers == nil {
		r.Headers = make(map[string][]string)
	}
	r.Headers[key] = append(r.Headers[key], value)
}
