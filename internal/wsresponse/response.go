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

// Package wsresponse implements the ResponseBuilder, component C6 of
// spec.md §4.6: given a parsed request and its resolved location, it
// produces a Response describing a redirect, a CGI hand-off, an upload, a
// delete, a static file/directory, or a synthesised error page.
//
// Grounded on the teacher's staticfiles/fileserver.go (file/dir resolution,
// Content-Type lookup) and browse/browse.go (HTML directory listings).
package wsresponse

import (
	"bytes"
	"fmt"
	"time"
)

// BodySourceKind classifies how a Response's body bytes are produced, per
// spec.md §3's Response.body_source variant.
type BodySourceKind int

const (
	SourceInMemory BodySourceKind = iota
	SourceFileStream
	SourceCGIStream
)

// Framing is the wire framing chosen for this response, per spec.md §3.
type Framing int

const (
	FramingLength Framing = iota
	FramingChunked
)

// BodySource abstracts the three ways a Response's body is produced so the
// Connection's write loop (C3/C8) never needs to know which one it's
// draining. Refill appends up to budget bytes to dst and reports whether the
// source has reached EOF.
type BodySource interface {
	Refill(dst *bytes.Buffer, budget int) (eof bool, err error)
	Close() error
}

// HeaderField is one header line; Response keeps headers in an explicit
// slice (rather than a map) so the wire order (Server and Date first, then
// each header in the order its handler set it) is reproducible and
// testable.
type HeaderField struct {
	Name  string
	Value string
}

// Response is the in-progress or completed response for one request, per
// spec.md §3. Its lifetime is bound to its owning Connection.
type Response struct {
	Status int
	Reason string

	Headers []HeaderField

	SourceKind BodySourceKind
	Source     BodySource // set to nil by the Connection once drained or suppressed

	Framing       Framing
	ContentLength int64 // meaningful when Framing == FramingLength

	// SuppressBody is set for HEAD requests (by buildFile, and by the
	// Connection for every other HEAD response): headers are written, but
	// zero body bytes are ever drained from Source, per spec.md §4.6's
	// "HEAD omits the body but keeps headers".
	SuppressBody bool

	BytesWritten int64
}

// New builds a Response with the common headers spec.md §4.6 always sets.
func New(status int, serverHeader string, now time.Time) *Response {
	return &Response{
		Status: status,
		Reason: ReasonPhrase(status),
		Headers: []HeaderField{
			{"Server", serverHeader},
			{"Date", now.UTC().Format(http1123)},
		},
	}
}

const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"

// SetHeader appends a header, replacing any existing one with the same
// (case-sensitive, as this server always writes canonical names) name.
func (r *Response) SetHeader(name, value string) {
	for i := range r.Headers {
		if r.Headers[i].Name == name {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, HeaderField{name, value})
}

// SetConnection sets the Connection: header, per spec.md §4.6: "any 4xx/5xx
// forces close" regardless of the request's own disposition.
func (r *Response) SetConnection(keepAlive bool) {
	if r.Status >= 400 {
		keepAlive = false
	}
	if keepAlive {
		r.SetHeader("Connection", "keep-alive")
	} else {
		r.SetHeader("Connection", "close")
	}
}

// KeepAlive reports the final Connection: disposition this response wrote.
func (r *Response) KeepAlive() bool {
	for _, h := range r.Headers {
		if h.Name == "Connection" {
			return h.Value == "keep-alive"
		}
	}
	return false
}

// SetInMemoryBody sets an in-memory body and Content-Length framing.
func (r *Response) SetInMemoryBody(body []byte, contentType string) {
	r.SourceKind = SourceInMemory
	r.Source = newMemorySource(body)
	r.Framing = FramingLength
	r.ContentLength = int64(len(body))
	if contentType != "" {
		r.SetHeader("Content-Type", contentType)
	}
	r.SetHeader("Content-Length", fmt.Sprintf("%d", r.ContentLength))
}

// WriteHead renders the status line and headers as wire bytes (CRLF
// terminated throughout, per spec.md §6).
func (r *Response) WriteHead(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", r.Status, r.Reason)
	for _, h := range r.Headers {
		fmt.Fprintf(buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
}

type memorySource struct {
	data []byte
	off  int
}

func newMemorySource(b []byte) *memorySource { return &memorySource{data: b} }

func (m *memorySource) Refill(dst *bytes.Buffer, budget int) (bool, error) {
	remaining := len(m.data) - m.off
	n := remaining
	if n > budget {
		n = budget
	}
	dst.Write(m.data[m.off : m.off+n])
	m.off += n
	return m.off >= len(m.data), nil
}

func (m *memorySource) Close() error { return nil }
