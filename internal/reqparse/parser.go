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

// DefaultMaxInfoLen is spec.md §4.4(a)'s MAX_INFO_LEN: the bound on the
// combined request-line + header length.
const DefaultMaxInfoLen = 8196

// Result is the outcome of one Feed call, per spec.md §8 invariant 3: a
// parser never silently drops bytes and always reports one of these in
// bounded time per byte.
type Result int

const (
	// NeedMore: keep buffering, nothing else to do yet.
	NeedMore Result = iota
	// NeedLocation: the header block is fully parsed and framing is known;
	// the caller must resolve (server, location) via the Router and call
	// BeginBody before further Feed calls can make progress on the body.
	NeedLocation
	// Done: the request is fully parsed and ready for routing/response.
	Done
	// Fail: parsing failed; Err carries the HTTP status to surface.
	Fail
)

type stage int

const (
	stageRequestLine stage = iota
	stageHeaders
	stageAwaitLocation
	stageBody
	stageDone
)

// Parser is the incremental HTTP/1.1 request parser, component C4. A fresh
// Parser is instantiated per request — spec.md §4.4 requires that "no
// parser state survives across requests on the same connection".
type Parser struct {
	stage stage

	maxInfoLen int
	scanned    int

	rl  requestLineMachine
	hdr headerMachine
	bm  bodyMachine

	req *Request

	failStatus int
	failErr    error
}

// New creates a Parser bounded by maxInfoLen (pass DefaultMaxInfoLen absent
// configuration override) with a freshly zeroed Request.
func New(maxInfoLen int) *Parser {
	if maxInfoLen <= 0 {
		maxInfoLen = DefaultMaxInfoLen
	}
	return &Parser{
		maxInfoLen: maxInfoLen,
		req:        &Request{},
	}
}

// Request returns the in-progress (or completed) request.
func (p *Parser) Request() *Request { return p.req }

// Feed advances the parser over buf (a view into the connection's receive
// buffer — it is never copied here, only scanned) starting at its shared
// cursor. It returns how many leading bytes of buf were consumed.
func (p *Parser) Feed(buf []byte) (consumed int, result Result) {
	total := 0
	for total < len(buf) {
		switch p.stage {
		case stageRequestLine:
			n, done, err := p.rl.feed(buf[total:], p.req)
			total += n
			p.scanned += n
			if err != nil {
				return total, p.fail(err)
			}
			if p.scanned > p.maxInfoLen {
				return total, p.fail(wserr.Protocol(400, "request line too long"))
			}
			if !done {
				return total, NeedMore
			}
			if err := p.splitAbsoluteForm(); err != nil {
				return total, p.fail(err)
			}
			p.stage = stageHeaders
		case stageHeaders:
			n, done, err := p.hdr.feed(buf[total:], p.req)
			total += n
			p.scanned += n
			if err != nil {
				return total, p.fail(err)
			}
			if p.scanned > p.maxInfoLen {
				return total, p.fail(wserr.Protocol(400, "headers too long"))
			}
			if !done {
				return total, NeedMore
			}
			if err := p.finishHeaders(); err != nil {
				return total, p.fail(err)
			}
			p.stage = stageAwaitLocation
			return total, NeedLocation
		case stageAwaitLocation:
			// Nothing to consume until BeginBody is called.
			return total, NeedLocation
		case stageBody:
			n, done, err := p.bm.feed(buf[total:], p.req)
			total += n
			if err != nil {
				return total, p.fail(err)
			}
			if !done {
				return total, NeedMore
			}
			p.stage = stageDone
			return total, Done
		case stageDone:
			return total, Done
		}
	}
	if p.stage == stageAwaitLocation {
		return total, NeedLocation
	}
	return total, NeedMore
}

func (p *Parser) fail(err error) Result {
	p.failErr = err
	if status, ok := wserr.Status(err); ok {
		p.failStatus = status
	} else {
		p.failStatus = 400
	}
	p.stage = stageDone
	return Fail
}

// FailStatus returns the HTTP status of the last Fail result.
func (p *Parser) FailStatus() int { return p.failStatus }

// FailErr returns the underlying error of the last Fail result.
func (p *Parser) FailErr() error { return p.failErr }

// BeginBody is called by the Connection once it has resolved a Location
// for the in-progress request (using the already-known Host header and
// decoded path), supplying the effective client_max_body_size. It performs
// the §4.4(c) size check for Length framing immediately.
func (p *Parser) BeginBody(maxBodySize int64) (Result, error) {
	if p.stage != stageAwaitLocation {
		return NeedMore, nil
	}
	if err := p.bm.BeginBody(p.req.Framing, p.req.ContentLength, maxBodySize); err != nil {
		return p.fail(err), err
	}
	if p.req.Framing == FramingNone {
		p.stage = stageDone
		return Done, nil
	}
	p.stage = stageBody
	return NeedMore, nil
}

// finishHeaders runs the semantic header analysis of spec.md §4.4(b): Host
// presence, framing determination, Connection disposition, and the
// percent-decoding + path-depth check of §4.4(a)'s post-request-line step.
func (p *Parser) finishHeaders() error {
	host, hasHost := p.req.Header("Host")
	if !hasHost || host == "" {
		return wserr.Protocol(400, "missing or empty Host header")
	}
	if len(p.req.Headers["HOST"]) > 1 {
		return wserr.Protocol(400, "duplicate Host header")
	}

	// An absolute-form request target supplies the authoritative host; the
	// Host header is still required to be present (checked above) but its
	// value is only used when the URI carried none, per spec.md §4.4(b).
	hostSource := host
	if p.req.uriHost != "" {
		hostSource = p.req.uriHost
	}
	decodedHost, err := percentDecode(hostSource)
	if err != nil {
		return err
	}
	p.req.Host = decodedHost

	decodedPath, err := percentDecode(p.req.RawPath)
	if err != nil {
		return err
	}
	if err := checkPathDepth(decodedPath); err != nil {
		return err
	}
	p.req.Path = decodedPath

	framing, declaredLen, err := sizeFromHeaders(p.req)
	if err != nil {
		return err
	}
	p.req.Framing = framing
	p.req.ContentLength = declaredLen

	if conn, ok := p.req.Header("Connection"); ok {
		switch strings.ToLower(strings.TrimSpace(conn)) {
		case "close":
			p.req.Disposition = DispositionClose
		case "keep-alive":
			p.req.Disposition = DispositionKeepAlive
		default:
			return wserr.Protocol(400, "unrecognised Connection value: "+conn)
		}
	} else {
		p.req.Disposition = DispositionKeepAlive
	}

	return nil
}
