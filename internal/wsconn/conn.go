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

// Package wsconn implements Connection, component C3 of spec.md §4.3: the
// per-client state machine (Idle → Reading → Processing → Writing →
// (Reading|Closed)) that owns a socket's receive/send buffers, drives the
// RequestParser (C4) forward as bytes arrive, and calls the Router (C5) and
// ResponseBuilder (C6) once a request is complete.
//
// Grounded on the teacher's httpserver conn-handling split (parsing and
// response-writing kept as distinct, single-purpose steps rather than one
// monolithic handler), adapted from goroutine-per-request to the
// single-threaded callback shape spec.md §5 requires.
package wsconn

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hepple42/42-webserv/internal/netpoll"
	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wsconfig"
	"github.com/hepple42/42-webserv/internal/wserr"
	"github.com/hepple42/42-webserv/internal/wsmetrics"
	"github.com/hepple42/42-webserv/internal/wsresponse"
	"github.com/hepple42/42-webserv/internal/wsrouter"
)

// state is the Connection lifecycle spec.md §4.3 names.
type state int

const (
	StateIdle state = iota
	StateReading
	StateProcessing
	StateWriting
	StateClosed
)

// DefaultRequestTimeout is the deadline re-armed at the start of every
// request cycle, per spec.md §5.
const DefaultRequestTimeout = 20 * time.Second

// writeBudget bounds a single on_writable call's write, matching the
// reactor's "never block" contract for large file/CGI bodies.
const writeBudget = 64 * 1024

// Deps bundles the shared, read-only collaborators every Connection needs.
// They are owned by the Reactor and handed down by reference, never
// retained past what spec.md §5 calls "their callback".
type Deps struct {
	Config  *wsconfig.Config
	Router  *wsrouter.Router
	Builder *wsresponse.Builder
	Poller  netpoll.Poller
	MaxInfo int
	Timeout time.Duration
	Metrics *wsmetrics.Metrics
}

// Connection is one accepted client socket, per spec.md §3's Connection
// struct. FdIndex is the slab slot this Connection occupies, used by the
// Reactor's fd→slot map rather than by this package itself.
type Connection struct {
	deps Deps

	Fd      int
	Peer    wsconfig.Address
	Local   wsconfig.Address
	FdIndex int

	State state

	recvBuf bytes.Buffer
	sendBuf bytes.Buffer

	parser *reqparse.Parser
	resp   *wsresponse.Response

	closeAfterResponse bool
	active             bool

	// reqKeepAlive is snapshotted when the response begins, since for a CGI
	// response the final Connection: header can only be written once
	// Finalize (asynchronous) reports the status CGI actually produced.
	reqKeepAlive bool

	// cgiHeadSent marks that Finalize has already rendered and queued the
	// response head; Fail afterwards can no longer replace it with a clean
	// error page and must instead drop the connection.
	cgiHeadSent bool
	cgiChunked  bool
	cgiComplete bool
}

// New initialises a freshly accepted Connection, per spec.md §4.3's init.
func New(deps Deps, fd int, peer, local wsconfig.Address) *Connection {
	c := &Connection{deps: deps, Fd: fd, Peer: peer, Local: local}
	c.reset()
	return c
}

func (c *Connection) reset() {
	c.recvBuf.Reset()
	c.sendBuf.Reset()
	c.parser = reqparse.New(c.deps.MaxInfo)
	c.resp = nil
	c.closeAfterResponse = false
	c.cgiHeadSent = false
	c.cgiComplete = false
	c.cgiChunked = false
	c.State = StateReading
	c.active = true
	c.armDeadline()
}

func (c *Connection) armDeadline() {
	timeout := c.deps.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c.deps.Poller.SetTimer(c.Fd, timeout)
}

// Active reports whether this slot is registered with the event interface,
// the invariant spec.md §4.3 ties to `active`.
func (c *Connection) Active() bool { return c.active }

// OnReadable implements on_readable: pull n_bytes worth of data from the
// socket into recv_buf, feed the parser, and react to completion/failure.
func (c *Connection) OnReadable() {
	var buf [16 * 1024]byte
	for {
		n, err := unix.Read(c.Fd, buf[:])
		if n > 0 {
			c.recvBuf.Write(buf[:n])
		}
		if n == 0 {
			if c.recvBuf.Len() == 0 && c.State == StateReading {
				c.Close()
				return
			}
			break
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.Close()
			return
		}
		if n < len(buf) {
			break
		}
	}
	c.pump()
}

// pump drives the parser as far as the currently buffered bytes allow,
// handling the NeedLocation pause (routing must run before body framing is
// finalised, since client_max_body_size lives on the resolved Location).
func (c *Connection) pump() {
	for {
		data := c.recvBuf.Bytes()
		if len(data) == 0 {
			return
		}
		consumed, result := c.parser.Feed(data)
		c.advance(consumed)

		switch result {
		case reqparse.NeedMore:
			return
		case reqparse.NeedLocation:
			if !c.resolveLocation() {
				return // a response (error or completed request) is under way
			}
			continue
		case reqparse.Done:
			c.onRequestComplete()
			return
		case reqparse.Fail:
			c.onParseFailure()
			return
		}
	}
}

func (c *Connection) advance(n int) {
	if n <= 0 {
		return
	}
	remaining := c.recvBuf.Bytes()[n:]
	kept := append([]byte(nil), remaining...)
	c.recvBuf.Reset()
	c.recvBuf.Write(kept)
}

// resolveLocation runs the Router once the request line and headers are
// known, then resumes the parser's body stage with the resolved location's
// client_max_body_size, per spec.md §4.4(c). It returns false once a
// response is under way: either a failure, or a request with no body that
// is complete as soon as the body stage begins.
func (c *Connection) resolveLocation() bool {
	req := c.parser.Request()
	block, loc, err := c.deps.Router.Resolve(c.Local, req.Host, req.Path)
	if err != nil {
		c.failWith(req.Server, nil, err)
		return false
	}
	if err := wsrouter.CheckMethod(loc, req.Method); err != nil {
		c.failWith(block, loc, err)
		return false
	}
	req.Server = block
	req.Location = loc

	result, err := c.parser.BeginBody(loc.MaxBodySize(block.ClientMaxBodySize))
	if err != nil {
		c.failWith(block, loc, err)
		return false
	}
	if result == reqparse.Done {
		c.onRequestComplete()
		return false
	}
	return true
}

func (c *Connection) onRequestComplete() {
	c.State = StateProcessing
	req := c.parser.Request()
	req.LocalAddr = c.Local
	req.PeerAddr = c.Peer

	resp, err := c.deps.Builder.Build(req, c)
	if err != nil {
		c.failWith(req.Server, req.Location, err)
		return
	}
	c.beginResponse(req, resp)
}

func (c *Connection) onParseFailure() {
	req := c.parser.Request()
	c.failWith(req.Server, req.Location, wserr.Protocol(c.parser.FailStatus(), errString(c.parser.FailErr())))
}

func errString(err error) string {
	if err == nil {
		return "malformed request"
	}
	return err.Error()
}

func (c *Connection) failWith(block *wsconfig.ServerBlock, loc *wsconfig.Location, err error) {
	status, _ := wserr.Status(err)
	if status == 0 {
		status = 500
	}
	req := c.parser.Request()
	resp := wsresponse.NewError(status, wsresponse.ServerHeader, time.Now(), block, loc)
	if status == 405 && loc != nil {
		resp.SetHeader("Allow", allowHeader(loc))
	}
	resp.SetConnection(req.Disposition == reqparse.DispositionKeepAlive)
	c.beginResponse(req, resp)
}

func allowHeader(loc *wsconfig.Location) string {
	out := ""
	for i, m := range loc.AllowedList() {
		if i > 0 {
			out += ", "
		}
		out += string(m)
	}
	return out
}

// beginResponse switches the Connection into Writing, per spec.md §4.3:
// disable read-interest, enable write-interest, render the header block.
//
// A CGI response is the one exception: its status and headers are not known
// until the CGI program's own header block is parsed (Finalize, called
// asynchronously from internal/wscgi), so the head is queued there instead
// of here, and write-interest stays disabled until there is something to
// write.
func (c *Connection) beginResponse(req *reqparse.Request, resp *wsresponse.Response) {
	c.resp = resp
	c.reqKeepAlive = req.Disposition == reqparse.DispositionKeepAlive
	c.State = StateWriting
	c.deps.Poller.Disable(c.Fd, netpoll.DirRead)

	if resp.SourceKind == wsresponse.SourceCGIStream {
		return
	}
	c.deps.Metrics.RequestCompleted(resp.Status, string(req.Method))

	resp.SetConnection(c.reqKeepAlive)
	c.closeAfterResponse = !resp.KeepAlive()
	if req.Method == wsconfig.MethodHead {
		resp.SuppressBody = true
	}
	resp.WriteHead(&c.sendBuf)
	if resp.SuppressBody && resp.Source != nil {
		// No body bytes are sent, so the response is fully sent once the
		// head has been written.
		resp.Source.Close()
		resp.Source = nil
	}
	c.deps.Poller.Enable(c.Fd, netpoll.DirWrite)
}

// OnWritable implements on_writable: push up to writeBudget bytes from the
// response, and once fully sent either close or reinitialise.
func (c *Connection) OnWritable() {
	c.fillFromSource()

	for c.sendBuf.Len() > 0 {
		n, err := unix.Write(c.Fd, c.sendBuf.Bytes())
		if n > 0 {
			c.sendBuf.Next(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.Close()
			return
		}
		if n == 0 {
			return
		}
	}

	if !c.responseFullySent() {
		return
	}

	if c.closeAfterResponse {
		c.Close()
		return
	}
	c.finishCycle()
}

// fillFromSource pulls more bytes from the response's BodySource (static/
// in-memory responses) into sendBuf; CGI responses are filled solely by the
// CGISink push methods instead.
func (c *Connection) fillFromSource() {
	if c.resp == nil || c.resp.Source == nil || c.resp.SuppressBody {
		return
	}
	if c.sendBuf.Len() > writeBudget {
		return
	}
	eof, err := c.resp.Source.Refill(&c.sendBuf, writeBudget)
	if err != nil {
		c.Close()
		return
	}
	if eof {
		c.resp.Source.Close()
		c.resp.Source = nil
	}
}

func (c *Connection) responseFullySent() bool {
	if c.resp == nil {
		return true
	}
	if c.resp.SourceKind == wsresponse.SourceCGIStream {
		return c.cgiComplete && c.sendBuf.Len() == 0
	}
	return c.resp.Source == nil && c.sendBuf.Len() == 0
}

func (c *Connection) finishCycle() {
	pending := append([]byte(nil), c.recvBuf.Bytes()...)
	c.reset()
	c.deps.Poller.Disable(c.Fd, netpoll.DirWrite)
	c.deps.Poller.Enable(c.Fd, netpoll.DirRead)
	if len(pending) > 0 {
		c.recvBuf.Write(pending)
		c.pump()
	}
}

// OnTimeout implements on_timeout: close unconditionally, per spec.md §5.
func (c *Connection) OnTimeout() { c.Close() }

// Close tears the connection down and deregisters it from the poller. It is
// idempotent.
func (c *Connection) Close() {
	if c.State == StateClosed {
		return
	}
	c.State = StateClosed
	c.active = false
	c.deps.Poller.Clear(c.Fd)
	unix.Close(c.Fd)
	if c.resp != nil && c.resp.Source != nil {
		c.resp.Source.Close()
	}
}

// Finalize implements wsresponse.CGISink: it applies the CGI program's own
// status/headers to the provisional Response, renders the head, and only
// now enables write-interest, per spec.md §4.7.
func (c *Connection) Finalize(status int, headers []wsresponse.HeaderField, contentLength int64, hasContentLength bool) {
	if c.resp == nil {
		return
	}
	c.resp.Status = status
	c.resp.Reason = wsresponse.ReasonPhrase(status)
	for _, h := range headers {
		c.resp.SetHeader(h.Name, h.Value)
	}
	if hasContentLength {
		c.resp.Framing = wsresponse.FramingLength
		c.resp.ContentLength = contentLength
	} else {
		c.resp.Framing = wsresponse.FramingChunked
		c.cgiChunked = true
		c.resp.SetHeader("Transfer-Encoding", "chunked")
	}
	c.resp.SetConnection(c.reqKeepAlive)
	c.closeAfterResponse = !c.resp.KeepAlive()

	c.resp.WriteHead(&c.sendBuf)
	c.cgiHeadSent = true
	c.deps.Poller.Enable(c.Fd, netpoll.DirWrite)
	c.deps.Metrics.RequestCompleted(status, string(c.parser.Request().Method))
}

// AppendBody implements wsresponse.CGISink: it pushes CGI stdout bytes
// straight into the send buffer, chunk-encoding them when no Content-Length
// was provided.
func (c *Connection) AppendBody(data []byte) {
	if len(data) == 0 {
		return
	}
	if c.cgiChunked {
		fmt.Fprintf(&c.sendBuf, "%x\r\n", len(data))
		c.sendBuf.Write(data)
		c.sendBuf.WriteString("\r\n")
		return
	}
	c.sendBuf.Write(data)
}

// Complete implements wsresponse.CGISink: the child has exited and stdout
// is drained; for chunked framing, emit the terminal chunk.
func (c *Connection) Complete() {
	if c.cgiChunked {
		c.sendBuf.WriteString("0\r\n\r\n")
	}
	c.cgiComplete = true
}

// Fail implements wsresponse.CGISink. If the head was never sent, this
// becomes a clean error response like any other ResponseBuilder failure; if
// bytes are already in flight, the connection can no longer be salvaged and
// is simply dropped.
func (c *Connection) Fail(status int, err error) {
	if c.cgiHeadSent {
		c.Close()
		return
	}
	req := c.parser.Request()
	c.failWith(req.Server, req.Location, wserr.CGI(status, errString(err), err))
}

var _ fmt.Stringer = (*Connection)(nil)

func (c *Connection) String() string {
	return fmt.Sprintf("conn{fd=%d peer=%s state=%d}", c.Fd, c.Peer, c.State)
}
