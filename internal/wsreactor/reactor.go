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

// Package wsreactor implements the Reactor, component C8 of spec.md §4.8:
// the single-threaded event loop tying the event interface (C1), listen
// sockets (C2), connections (C3) and the CGI manager (C7) together.
//
// Grounded on the teacher's caddy.go top-level server lifecycle (listener
// set, graceful shutdown via a cancellable context) adapted from Caddy's
// one-goroutine-per-connection net/http model to the single dispatch loop
// spec.md §5 mandates; golang.org/x/sync/errgroup (used elsewhere in the
// pack) runs this loop alongside the admin/metrics HTTP server.
package wsreactor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hepple42/42-webserv/internal/listensock"
	"github.com/hepple42/42-webserv/internal/netpoll"
	"github.com/hepple42/42-webserv/internal/reqparse"
	"github.com/hepple42/42-webserv/internal/wscgi"
	"github.com/hepple42/42-webserv/internal/wsconfig"
	"github.com/hepple42/42-webserv/internal/wsconn"
	"github.com/hepple42/42-webserv/internal/wsmetrics"
	"github.com/hepple42/42-webserv/internal/wsresponse"
	"github.com/hepple42/42-webserv/internal/wsrouter"
)

// DefaultMaxConnections is spec.md §5's connection table size.
const DefaultMaxConnections = 1024

// DefaultBacklog is the "generous backlog" spec.md §4.2 asks for.
const DefaultBacklog = 512

// DefaultCGITimeout is how long a CGI child may run before being killed.
const DefaultCGITimeout = 30 * time.Second

// Options configures a Reactor's resource bounds. MaxConnections, Backlog
// and CGITimeout are set from the command line (see cmd/webserv);
// RequestTimeout and MaxInfoLen have no flag and keep their defaults there.
type Options struct {
	MaxConnections int
	Backlog        int
	RequestTimeout time.Duration
	CGITimeout     time.Duration
	MaxInfoLen     int
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = wsconn.DefaultRequestTimeout
	}
	if o.CGITimeout <= 0 {
		o.CGITimeout = DefaultCGITimeout
	}
	if o.MaxInfoLen <= 0 {
		o.MaxInfoLen = reqparse.DefaultMaxInfoLen
	}
	return o
}

// Reactor owns every fd-bearing component: listeners, the connection slab,
// and the CGI process manager, and drives them from one poll loop.
type Reactor struct {
	opts   Options
	logger *zap.Logger

	poller    netpoll.Poller
	listeners []*listensock.Listener
	listenFds map[int]*listensock.Listener

	slab     []*wsconn.Connection
	closedAt []time.Time
	freeList []int
	fdToSlot map[int]int

	cgi     *wscgi.Manager
	deps    wsconn.Deps
	metrics *wsmetrics.Metrics
}

// New builds a Reactor bound to every listen address cfg declares. It opens
// all listening sockets eagerly so a configuration error surfaces before
// Run is ever called (spec.md §6's exit code 2). metrics may be nil, in
// which case every recorded metric is silently dropped.
func New(cfg *wsconfig.Config, logger *zap.Logger, opts Options, metrics *wsmetrics.Metrics) (*Reactor, error) {
	opts = opts.withDefaults()

	poller, err := netpoll.New()
	if err != nil {
		return nil, fmt.Errorf("wsreactor: %w", err)
	}

	router := wsrouter.New(cfg)
	cgiMgr := wscgi.NewManager(poller, opts.CGITimeout, metrics)
	builder := wsresponse.New(cgiMgr)

	r := &Reactor{
		opts:      opts,
		logger:    logger,
		poller:    poller,
		listenFds: make(map[int]*listensock.Listener),
		fdToSlot:  make(map[int]int),
		cgi:       cgiMgr,
		metrics:   metrics,
		deps: wsconn.Deps{
			Config:  cfg,
			Router:  router,
			Builder: builder,
			Poller:  poller,
			MaxInfo: opts.MaxInfoLen,
			Timeout: opts.RequestTimeout,
			Metrics: metrics,
		},
	}
	r.slab = make([]*wsconn.Connection, opts.MaxConnections)
	r.closedAt = make([]time.Time, opts.MaxConnections)
	r.freeList = make([]int, opts.MaxConnections)
	for i := 0; i < opts.MaxConnections; i++ {
		r.freeList[i] = i
	}

	for _, addr := range cfg.ListenSet() {
		l, err := listensock.Open(addr, opts.Backlog)
		if err != nil {
			r.closeListeners()
			return nil, fmt.Errorf("wsreactor: listen %s: %w", addr, err)
		}
		if err := poller.RegisterRead(l.Fd); err != nil {
			r.closeListeners()
			return nil, fmt.Errorf("wsreactor: register listener %s: %w", addr, err)
		}
		r.listeners = append(r.listeners, l)
		r.listenFds[l.Fd] = l
	}

	return r, nil
}

func (r *Reactor) closeListeners() {
	for _, l := range r.listeners {
		l.Close()
	}
}

// Run is the main loop of spec.md §4.8: poll, dispatch by fd class, repeat,
// until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.poller.Wake()
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		default:
		}

		events, err := r.poller.Poll()
		if err != nil {
			r.logger.Error("poll failed", zap.Error(err))
			continue
		}
		r.cgi.Reap()
		for _, ev := range events {
			r.dispatch(ev)
		}
	}
}

// dispatch routes one event by fd class, per spec.md §4.8 step 2, isolating
// any failure to the single connection or CGI process involved (step 3).
func (r *Reactor) dispatch(ev netpoll.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked; connection dropped", zap.Any("recover", rec))
			if slot, ok := r.fdToSlot[ev.Fd]; ok && r.slab[slot] != nil {
				conn := r.slab[slot]
				conn.Close()
				r.reclaim(slot, conn)
			}
		}
	}()

	if l, ok := r.listenFds[ev.Fd]; ok {
		r.acceptLoop(l)
		return
	}
	if r.cgi.OwnsFd(ev.Fd) {
		r.dispatchCGI(ev)
		return
	}
	r.dispatchConn(ev)
}

func (r *Reactor) dispatchCGI(ev netpoll.Event) {
	if ev.IsTimer {
		r.cgi.HandleTimer(ev.Fd)
		return
	}
	switch ev.Dir {
	case netpoll.DirRead:
		r.cgi.HandleReadable(ev.Fd)
	case netpoll.DirWrite:
		r.cgi.HandleWritable(ev.Fd)
	}
}

func (r *Reactor) dispatchConn(ev netpoll.Event) {
	slot, ok := r.fdToSlot[ev.Fd]
	if !ok {
		return
	}
	conn := r.slab[slot]
	if conn == nil {
		return
	}
	defer r.reclaim(slot, conn)

	if ev.IsTimer {
		conn.OnTimeout()
		return
	}
	switch ev.Dir {
	case netpoll.DirRead:
		conn.OnReadable()
	case netpoll.DirWrite:
		conn.OnWritable()
	}
}

// acceptLoop drains l per spec.md §4.8's accept path: loop accept4 until
// EAGAIN, admitting each connection into a slab slot.
func (r *Reactor) acceptLoop(l *listensock.Listener) {
	for {
		fd, peer, ok, err := l.Accept()
		if err != nil {
			r.logger.Error("accept failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		r.admit(fd, peer, l.Addr)
	}
}

func (r *Reactor) admit(fd int, peer, local wsconfig.Address) {
	slot, ok := r.allocSlot()
	if !ok {
		unix.Close(fd)
		r.metrics.ConnectionRejected()
		return
	}
	conn := wsconn.New(r.deps, fd, peer, local)
	conn.FdIndex = slot
	r.slab[slot] = conn
	r.fdToSlot[fd] = slot
	r.metrics.ConnectionAccepted()
	if err := r.poller.RegisterRead(fd); err != nil {
		r.logger.Error("registering accepted connection", zap.Error(err))
		conn.Close()
		r.reclaim(slot, conn)
	}
}

// allocSlot implements spec.md §4.8's eviction policy: prefer a free slot;
// otherwise evict the slot that has been non-active longest; otherwise
// report failure so the caller closes the new fd silently.
func (r *Reactor) allocSlot() (int, bool) {
	if n := len(r.freeList); n > 0 {
		idx := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		return idx, true
	}
	oldest := -1
	for i, c := range r.slab {
		if c == nil || c.Active() {
			continue
		}
		if oldest < 0 || r.closedAt[i].Before(r.closedAt[oldest]) {
			oldest = i
		}
	}
	if oldest < 0 {
		return 0, false
	}
	r.slab[oldest] = nil
	return oldest, true
}

// reclaim frees slot's connection back into the free list once it has
// become inactive (closed), per spec.md §9's slab-with-free-list note.
func (r *Reactor) reclaim(slot int, conn *wsconn.Connection) {
	if conn.Active() {
		return
	}
	delete(r.fdToSlot, conn.Fd)
	if r.slab[slot] == conn {
		r.slab[slot] = nil
		r.closedAt[slot] = time.Now()
		r.freeList = append(r.freeList, slot)
		r.metrics.ConnectionClosed()
	}
}

// shutdown closes every active connection, listener and the poller itself.
func (r *Reactor) shutdown() {
	for _, conn := range r.slab {
		if conn != nil {
			conn.Close()
		}
	}
	r.closeListeners()
	r.poller.Close()
}
