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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepple42/42-webserv/internal/wsconfig"
)

// feedToLocation drives p until it reports NeedLocation or Fail, feeding the
// whole buffer at once (the request line + header portion of raw).
func feedToLocation(t *testing.T, p *Parser, raw string) Result {
	t.Helper()
	buf := []byte(raw)
	var result Result
	for len(buf) > 0 {
		n, r := p.Feed(buf)
		buf = buf[n:]
		result = r
		if r == NeedLocation || r == Fail || r == Done {
			return result
		}
		if n == 0 {
			t.Fatalf("parser made no progress, stuck with %d bytes left", len(buf))
		}
	}
	return result
}

func TestParser_SimpleGET(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, NeedLocation, result)

	req := p.Request()
	assert.Equal(t, wsconfig.MethodGet, req.Method)
	assert.Equal(t, "/index.html", req.RawPath)
	assert.Equal(t, "example.com", req.Host)

	result, err := p.BeginBody(1024)
	require.NoError(t, err)
	assert.Equal(t, Done, result)
}

// TestParser_ByteAtATime is spec.md §8's round-trip law: feeding a complete,
// well-formed request one byte at a time must reach exactly the same result
// as feeding it in one shot — the parser never needs look-ahead beyond the
// byte in hand.
func TestParser_ByteAtATime(t *testing.T) {
	raw := "POST /cgi-bin/echo.cgi?x=1 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Content-Length: 5\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"howdy"

	p := New(DefaultMaxInfoLen)
	buf := []byte(raw)
	i := 0
	for {
		n, result := p.Feed(buf[i : i+1])
		require.Equal(t, 1, n, "byte-at-a-time feed must always consume exactly the fed byte or report NeedLocation without consuming")
		i++
		if result == NeedLocation {
			br, err := p.BeginBody(1024)
			require.NoError(t, err)
			if br == Done {
				break
			}
			continue
		}
		if result == Done {
			break
		}
		if i >= len(buf) {
			t.Fatalf("ran out of bytes before reaching Done, last result %v", result)
		}
	}

	req := p.Request()
	assert.Equal(t, wsconfig.MethodPost, req.Method)
	assert.Equal(t, "/cgi-bin/echo.cgi", req.RawPath)
	assert.Equal(t, "x=1", req.RawQuery)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, "howdy", string(req.Body))
	assert.Equal(t, DispositionClose, req.Disposition)
}

func TestParser_ChunkedBody(t *testing.T) {
	head := "POST /upload HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n"
	chunked := "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"

	p := New(DefaultMaxInfoLen)
	result := feedToLocation(t, p, head)
	require.Equal(t, NeedLocation, result)
	assert.Equal(t, FramingChunked, p.Request().Framing)

	result, err := p.BeginBody(1024)
	require.NoError(t, err)
	require.Equal(t, NeedMore, result)

	remaining := []byte(chunked)
	for len(remaining) > 0 {
		n, r := p.Feed(remaining)
		remaining = remaining[n:]
		if r == Done {
			break
		}
		require.Equal(t, NeedMore, r)
	}

	assert.Equal(t, "Wikipedia", string(p.Request().Body))
}

func TestParser_MissingHostRejected(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "GET / HTTP/1.1\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, Fail, result)
	assert.Equal(t, 400, p.FailStatus())
}

func TestParser_UnsupportedMethodIs501(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "PUT /thing HTTP/1.1\r\nHost: example.com\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, Fail, result)
	assert.Equal(t, 501, p.FailStatus())
}

func TestParser_ContentLengthExceedsMaxBodySize(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "POST /upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 100\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, NeedLocation, result)

	result, err := p.BeginBody(10)
	require.Error(t, err)
	assert.Equal(t, Fail, result)
	assert.Equal(t, 413, p.FailStatus())
}

func TestParser_ConflictingFramingHeadersRejected(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "POST /upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, Fail, result)
	assert.Equal(t, 400, p.FailStatus())
}

func TestParser_PathTraversalRejected(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "GET /a/../../b HTTP/1.1\r\nHost: example.com\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, Fail, result)
	assert.Equal(t, 400, p.FailStatus())
}

func TestParser_EmptyHeaderFieldValueAccepted(t *testing.T) {
	// A value which is only whitespace is trimmed to the empty string; it
	// passes both the incremental scanner (isTextChar) and the commit-time
	// httpguts.ValidHeaderFieldValue check, and is stored as "".
	p := New(DefaultMaxInfoLen)
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\nX-Custom: \r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, NeedLocation, result)
	v, ok := p.Request().Header("X-Custom")
	require.True(t, ok)
	assert.Equal(t, "", v)
}

func TestParser_MaxInfoLenEnforced(t *testing.T) {
	p := New(16)
	raw := "GET /a/very/long/path/that/exceeds/the/limit HTTP/1.1\r\nHost: example.com\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, Fail, result)
	assert.Equal(t, 400, p.FailStatus())
}

func TestParser_AbsoluteFormTarget(t *testing.T) {
	p := New(DefaultMaxInfoLen)
	raw := "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"

	result := feedToLocation(t, p, raw)
	require.Equal(t, NeedLocation, result)
	assert.Equal(t, "/index.html", p.Request().Path)
	assert.Equal(t, "example.com", p.Request().Host)
}
