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

package wscgi

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hepple42/42-webserv/internal/netpoll"
	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wserr"
	"github.com/hepple42/42-webserv/internal/wsmetrics"
	"github.com/hepple42/42-webserv/internal/wsresponse"
)

// DefaultTimeout is how long a CGI child may run before being killed, per
// spec.md §4.7's "a CGI invocation carries a deadline like any other unit of
// work".
const DefaultTimeout = 30 * time.Second

// killGrace is how long a child gets to exit after SIGTERM before the
// manager escalates to SIGKILL, per spec.md §5's "SIGKILL after SIGTERM
// grace".
const killGrace = 2 * time.Second

// process tracks one in-flight CGI invocation: the forked child's pipes,
// the bytes still owed to its stdin, and the header-block parse state of
// its stdout.
type process struct {
	pid int

	stdinFd  int // parent's write end of the child's stdin; -1 once closed
	stdoutFd int // parent's read end of the child's stdout
	stderrFd int // parent's read end of the child's stderr

	body    []byte
	bodyOff int

	headerBuf      bytes.Buffer
	headersDone    bool
	stdoutExited   bool
	stderrExited   bool
	reaped         bool

	stderrBuf bytes.Buffer

	termSent bool

	sink wsresponse.CGISink
}

// Manager implements wsresponse.CGIDispatcher (component C7). It is driven
// two ways: synchronously via Dispatch (called from the ResponseBuilder) and
// asynchronously via HandleReadable/HandleWritable/HandleTimer/Reap, called
// by the reactor (C8) as it delivers readiness events for fds this manager
// owns.
type Manager struct {
	poller  netpoll.Poller
	timeout time.Duration
	metrics *wsmetrics.Metrics

	byFd map[int]*process // stdinFd, stdoutFd and stderrFd all map to the owning process
	byPid map[int]*process
}

// NewManager builds a Manager that registers CGI pipe fds with poller.
// metrics may be nil; every Metrics method tolerates a nil receiver.
func NewManager(poller netpoll.Poller, timeout time.Duration, metrics *wsmetrics.Metrics) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		poller:  poller,
		timeout: timeout,
		metrics: metrics,
		byFd:    make(map[int]*process),
		byPid:   make(map[int]*process),
	}
}

// OwnsFd reports whether fd belongs to an in-flight CGI process, so the
// reactor's demultiplexer knows to route the event here instead of to a
// Connection.
func (m *Manager) OwnsFd(fd int) bool {
	_, ok := m.byFd[fd]
	return ok
}

// Dispatch implements wsresponse.CGIDispatcher: it forks interpreter against
// scriptPath, wires pipes to the poller, and returns immediately. Further
// progress happens via HandleReadable/HandleWritable.
func (m *Manager) Dispatch(req *reqparse.Request, interpreter, scriptPath, pathInfo string, sink wsresponse.CGISink) error {
	stdinR, stdinW, err := newPipe()
	if err != nil {
		return wserr.CGI(500, "creating stdin pipe", err)
	}
	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		return wserr.CGI(500, "creating stdout pipe", err)
	}
	stderrR, stderrW, err := newPipe()
	if err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		unix.Close(stdoutR)
		unix.Close(stdoutW)
		return wserr.CGI(500, "creating stderr pipe", err)
	}

	env := buildEnv(req, scriptPath, pathInfo, interpreter, req.LocalAddr, req.PeerAddr)
	workDir := filepath.Dir(scriptPath)

	pid, err := unix.ForkExec(interpreter, []string{interpreter, scriptPath}, &unix.ProcAttr{
		Dir: workDir,
		Env: env,
		Files: []uintptr{
			uintptr(stdinR),
			uintptr(stdoutW),
			uintptr(stderrW),
		},
		Sys: &unix.SysProcAttr{Setsid: true},
	})

	unix.Close(stdinR)
	unix.Close(stdoutW)
	unix.Close(stderrW)

	if err != nil {
		unix.Close(stdinW)
		unix.Close(stdoutR)
		unix.Close(stderrR)
		return wserr.CGI(500, fmt.Sprintf("fork/exec %s", interpreter), err)
	}

	unix.SetNonblock(stdinW, true)
	unix.SetNonblock(stdoutR, true)
	unix.SetNonblock(stderrR, true)

	p := &process{
		pid:      pid,
		stdinFd:  stdinW,
		stdoutFd: stdoutR,
		stderrFd: stderrR,
		body:     req.Body,
		sink:     sink,
	}
	m.byFd[stdoutR] = p
	m.byFd[stderrR] = p
	m.byPid[pid] = p
	m.metrics.CGIStarted()

	if len(p.body) == 0 {
		unix.Close(stdinW)
		p.stdinFd = -1
	} else {
		m.byFd[stdinW] = p
		m.poller.RegisterWrite(stdinW)
	}
	m.poller.RegisterRead(stdoutR)
	m.poller.RegisterRead(stderrR)
	m.poller.SetTimer(stdoutR, m.timeout)

	return nil
}

// HandleWritable drains more of the request body into the child's stdin,
// per spec.md §4.7's non-blocking write discipline.
func (m *Manager) HandleWritable(fd int) {
	p, ok := m.byFd[fd]
	if !ok || fd != p.stdinFd {
		return
	}
	n, err := unix.Write(fd, p.body[p.bodyOff:])
	if n > 0 {
		p.bodyOff += n
	}
	if err != nil && err != unix.EAGAIN {
		m.abort(p, 502, wserr.CGI(502, "writing cgi request body", err))
		return
	}
	if p.bodyOff >= len(p.body) {
		m.poller.Clear(fd)
		delete(m.byFd, fd)
		unix.Close(fd)
		p.stdinFd = -1
	}
}

// HandleReadable drains available bytes from stdout or stderr, parsing the
// CGI header block out of stdout the first time it completes.
func (m *Manager) HandleReadable(fd int) {
	p, ok := m.byFd[fd]
	if !ok {
		return
	}
	if fd == p.stderrFd {
		m.drainStderr(p)
		return
	}
	m.drainStdout(p)
}

func (m *Manager) drainStderr(p *process) {
	var buf [4096]byte
	for {
		n, err := unix.Read(p.stderrFd, buf[:])
		if n > 0 {
			p.stderrBuf.Write(buf[:n])
		}
		if n == 0 || err != nil {
			if n == 0 {
				p.stderrExited = true
				m.poller.Clear(p.stderrFd)
				delete(m.byFd, p.stderrFd)
				unix.Close(p.stderrFd)
			}
			return
		}
	}
}

func (m *Manager) drainStdout(p *process) {
	var buf [8192]byte
	for {
		n, err := unix.Read(p.stdoutFd, buf[:])
		if n > 0 {
			m.feedStdout(p, buf[:n])
		}
		if n == 0 {
			m.finishStdout(p)
			return
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			m.abort(p, 502, wserr.CGI(502, "reading cgi stdout", err))
			return
		}
	}
}

func (m *Manager) feedStdout(p *process, data []byte) {
	if p.headersDone {
		p.sink.AppendBody(data)
		return
	}
	p.headerBuf.Write(data)
	raw := p.headerBuf.Bytes()
	idx := findHeaderEnd(raw)
	if idx < 0 {
		return
	}
	headerBlock := raw[:idx]
	rest := append([]byte(nil), raw[idx:]...)
	status, headers, contentLength, hasLength, err := parseCGIHeaders(headerBlock)
	if err != nil {
		m.abort(p, 502, wserr.CGI(502, "malformed cgi header block", err))
		return
	}
	p.headersDone = true
	p.headerBuf.Reset()
	p.sink.Finalize(status, headers, contentLength, hasLength)
	if len(rest) > 0 {
		p.sink.AppendBody(rest)
	}
}

func (m *Manager) finishStdout(p *process) {
	m.poller.Clear(p.stdoutFd)
	delete(m.byFd, p.stdoutFd)
	unix.Close(p.stdoutFd)
	p.stdoutExited = true

	if !p.headersDone {
		m.abort(p, 502, wserr.CGI(502, "cgi program produced no header block", nil))
		return
	}
	p.sink.Complete()
	m.metrics.CGIFinished("")
}

// HandleTimer kills a CGI child that has exceeded its deadline. The first
// expiry sends SIGTERM and re-arms a short grace timer; if the child is
// still alive when that fires, it escalates to SIGKILL, per spec.md §5.
func (m *Manager) HandleTimer(fd int) {
	p, ok := m.byFd[fd]
	if !ok {
		return
	}
	if !p.termSent {
		p.termSent = true
		unix.Kill(p.pid, unix.SIGTERM)
		m.poller.SetTimer(p.stdoutFd, killGrace)
		return
	}
	unix.Kill(p.pid, unix.SIGKILL)
	m.abort(p, 504, wserr.CGI(504, "cgi program exceeded its time budget", nil))
}

func (m *Manager) abort(p *process, status int, err error) {
	m.cleanup(p)
	p.sink.Fail(status, err)
	m.metrics.CGIFinished(strconv.Itoa(status))
}

func (m *Manager) cleanup(p *process) {
	for _, fd := range []int{p.stdinFd, p.stdoutFd, p.stderrFd} {
		if fd < 0 {
			continue
		}
		m.poller.Clear(fd)
		delete(m.byFd, fd)
		unix.Close(fd)
	}
	p.stdinFd, p.stdoutFd, p.stderrFd = -1, -1, -1
}

// Reap is called by the reactor once per poll iteration (spec.md §4.7:
// "reaping stays on the single thread"), collecting exited children without
// blocking; no SIGCHLD handler is installed.
func (m *Manager) Reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if p, ok := m.byPid[pid]; ok {
			p.reaped = true
			delete(m.byPid, pid)
		}
	}
}

func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// findHeaderEnd locates the blank line ending a CGI header block, honouring
// both CRLF and bare-LF terminated output (real CGI scripts are inconsistent
// about this).
func findHeaderEnd(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// parseCGIHeaders implements the CGI/1.1 header-block grammar: a Status
// line (optional, default 200), and arbitrary other headers, notably
// Location (which, without Status, implies a redirect) and Content-Length.
func parseCGIHeaders(block []byte) (status int, headers []wsresponse.HeaderField, contentLength int64, hasLength bool, err error) {
	status = 200
	lines := strings.Split(strings.ReplaceAll(string(block), "\r\n", "\n"), "\n")
	sawLocation := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return 0, nil, 0, false, fmt.Errorf("wscgi: malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		switch strings.ToLower(name) {
		case "status":
			fields := strings.Fields(value)
			if len(fields) == 0 {
				return 0, nil, 0, false, fmt.Errorf("wscgi: empty Status header")
			}
			n, convErr := strconv.Atoi(fields[0])
			if convErr != nil {
				return 0, nil, 0, false, fmt.Errorf("wscgi: bad Status header %q", value)
			}
			status = n
		case "content-length":
			n, convErr := strconv.ParseInt(value, 10, 64)
			if convErr != nil {
				return 0, nil, 0, false, fmt.Errorf("wscgi: bad Content-Length %q", value)
			}
			contentLength = n
			hasLength = true
			headers = append(headers, wsresponse.HeaderField{Name: name, Value: value})
		case "location":
			sawLocation = true
			headers = append(headers, wsresponse.HeaderField{Name: name, Value: value})
		default:
			headers = append(headers, wsresponse.HeaderField{Name: name, Value: value})
		}
	}
	if sawLocation && status == 200 {
		status = 302
	}
	return status, headers, contentLength, hasLength, nil
}
