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

package wsresponse

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wsconfig"
	"github.com/hepple42/42-webserv/internal/wserr"
)

// ServerHeader is the literal value spec.md §4.6 requires on every response.
const ServerHeader = "webserv"

// CGISink receives the asynchronous output of a CGI invocation. It is
// implemented by internal/wsconn's Connection: spec.md §4.7 has CGI bytes
// "go directly to the Connection send buffer" once the CGI header block is
// parsed, rather than being pulled through a BodySource like a static file.
type CGISink interface {
	// Finalize applies the CGI program's own header block (Status,
	// Content-Type, Location, Content-Length) to the in-flight response,
	// called exactly once, when the blank line ending that block is seen.
	Finalize(status int, headers []HeaderField, contentLength int64, hasContentLength bool)
	// AppendBody pushes body bytes (already past the CGI header block)
	// straight into the connection's send buffer.
	AppendBody(data []byte)
	// Complete marks the response as fully delivered: the child has exited
	// and stdout is drained. If no Content-Length was ever provided, the
	// connection emits the terminal chunk.
	Complete()
	// Fail aborts the in-flight response with a CgiError per spec.md §4.7's
	// failure modes (fork/exec failure → 500, non-zero exit with no headers
	// → 502, timeout → 504).
	Fail(status int, err error)
}

// CGIDispatcher is satisfied by internal/wscgi; kept as an interface here so
// wsresponse never imports wscgi directly (wscgi imports wsresponse's
// CGISink type instead, avoiding an import cycle).
type CGIDispatcher interface {
	// Dispatch forks/execs interpreter against scriptPath, wires its pipes
	// to the reactor's event interface, and returns immediately; all
	// further output reaches sink asynchronously as the reactor delivers
	// readability events for the child's stdout pipe.
	Dispatch(req *reqparse.Request, interpreter, scriptPath, pathInfo string, sink CGISink) error
}

// Builder implements the ResponseBuilder, component C6.
type Builder struct {
	CGI CGIDispatcher
}

// New creates a Builder. cgi may be nil if no location in the configuration
// uses cgi_pass.
func New(cgi CGIDispatcher) *Builder {
	return &Builder{CGI: cgi}
}

// Build runs spec.md §4.6's priority order over req (already routed: Server
// and Location are set) and returns the Response to send. sink is only used
// by the CGI branch (step 2); pass nil when the caller already knows the
// resolved location carries no cgi_pass binding for this path's extension.
func (b *Builder) Build(req *reqparse.Request, sink CGISink) (*Response, error) {
	loc := req.Location
	now := time.Now()

	if loc.Redirect != nil {
		return b.buildRedirect(loc, now), nil
	}

	if ext := filepath.Ext(req.Path); ext != "" {
		if interpreter, ok := loc.CGI[ext]; ok {
			return b.buildCGI(req, loc, interpreter, sink, now)
		}
	}

	if req.Method == wsconfig.MethodPost && loc.UploadPath != "" {
		return b.buildUpload(req, loc, now)
	}

	if req.Method == wsconfig.MethodDelete {
		return b.buildDelete(req, loc, now)
	}

	return b.buildStatic(req, loc, now)
}

// buildRedirect implements spec.md §4.6 step 1.
func (b *Builder) buildRedirect(loc *wsconfig.Location, now time.Time) *Response {
	status := loc.Redirect.Status
	if status == 0 {
		status = 302
	}
	resp := New(status, ServerHeader, now)
	resp.SetHeader("Location", loc.Redirect.URL)
	resp.SetInMemoryBody(nil, "")
	return resp
}

// buildCGI implements spec.md §4.6 step 2: hand off to C7. The Response's
// body source becomes a CgiStream; status/Content-Length, if the CGI
// program emits them, are applied by the Connection once CGI headers are
// parsed (see internal/wscgi), not here — this Response is provisional.
func (b *Builder) buildCGI(req *reqparse.Request, loc *wsconfig.Location, interpreter string, sink CGISink, now time.Time) (*Response, error) {
	if b.CGI == nil || sink == nil {
		return nil, wserr.CGI(500, "no cgi dispatcher configured", nil)
	}
	scriptPath := resolvePath(loc.Root, loc.Path, req.Path)
	pathInfo := ""
	if err := b.CGI.Dispatch(req, interpreter, scriptPath, pathInfo, sink); err != nil {
		return nil, err
	}
	resp := New(200, ServerHeader, now)
	resp.SourceKind = SourceCGIStream
	resp.Framing = FramingChunked
	return resp, nil
}

// buildUpload implements spec.md §4.6 step 3.
func (b *Builder) buildUpload(req *reqparse.Request, loc *wsconfig.Location, now time.Time) (*Response, error) {
	name := uuid.NewString()
	if ext := filepath.Ext(req.Path); ext != "" {
		name += ext
	}
	fullPath := filepath.Join(loc.UploadPath, name)
	if err := os.WriteFile(fullPath, req.Body, 0o644); err != nil {
		return nil, wserr.Protocolf(500, err, "writing uploaded file")
	}
	resp := New(201, ServerHeader, now)
	resp.SetHeader("Location", joinURLPath(loc.Path, name))
	resp.SetInMemoryBody(nil, "")
	return resp, nil
}

// buildDelete implements spec.md §4.6 step 4.
func (b *Builder) buildDelete(req *reqparse.Request, loc *wsconfig.Location, now time.Time) (*Response, error) {
	fullPath := resolvePath(loc.Root, loc.Path, req.Path)
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return NewError(404, ServerHeader, now, req.Server, loc), nil
		}
		return NewError(403, ServerHeader, now, req.Server, loc), nil
	}
	resp := New(204, ServerHeader, now)
	resp.SetInMemoryBody(nil, "")
	return resp, nil
}

// buildStatic implements spec.md §4.6 step 5.
func (b *Builder) buildStatic(req *reqparse.Request, loc *wsconfig.Location, now time.Time) (*Response, error) {
	fullPath := resolvePath(loc.Root, loc.Path, req.Path)

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewError(404, ServerHeader, now, req.Server, loc), nil
		}
		return NewError(403, ServerHeader, now, req.Server, loc), nil
	}

	if info.IsDir() {
		return b.buildDirectory(req, loc, fullPath, now)
	}
	return b.buildFile(req, loc, fullPath, info.Size(), now)
}

func (b *Builder) buildDirectory(req *reqparse.Request, loc *wsconfig.Location, dir string, now time.Time) (*Response, error) {
	if loc.Index != "" {
		indexPath := filepath.Join(dir, loc.Index)
		if info, err := os.Stat(indexPath); err == nil && !info.IsDir() {
			return b.buildFile(req, loc, indexPath, info.Size(), now)
		}
	}
	if !loc.Autoindex {
		return NewError(403, ServerHeader, now, req.Server, loc), nil
	}
	body, err := buildListing(dir, req.Path, req.RawQuery)
	if err != nil {
		return NewError(403, ServerHeader, now, req.Server, loc), nil
	}
	resp := New(200, ServerHeader, now)
	resp.SetInMemoryBody(body, "text/html")
	return resp, nil
}

func (b *Builder) buildFile(req *reqparse.Request, loc *wsconfig.Location, fullPath string, size int64, now time.Time) (*Response, error) {
	resp := New(200, ServerHeader, now)
	resp.SetHeader("Content-Type", contentType(fullPath))
	resp.SetHeader("Content-Length", strconv.FormatInt(size, 10))
	resp.Framing = FramingLength
	resp.ContentLength = size

	if req.Method == wsconfig.MethodHead {
		resp.SourceKind = SourceInMemory
		resp.Source = newMemorySource(nil)
		resp.SuppressBody = true
		return resp, nil
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return NewError(403, ServerHeader, now, req.Server, loc), nil
	}
	resp.SourceKind = SourceFileStream
	resp.Source = newFileSource(f)
	return resp, nil
}
