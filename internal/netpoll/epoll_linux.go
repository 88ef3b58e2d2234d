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

//go:build linux

package netpoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux backend for Poller, grounded on the raw
// epoll_create1/epoll_ctl/epoll_wait sequence used throughout the corpus's
// low-level networking examples (see DESIGN.md). Interests are tracked
// per-fd so Enable/Disable can rebuild the correct EPOLLIN|EPOLLOUT mask
// with a single EPOLL_CTL_MOD instead of requiring the caller to remember
// the other direction's current state.
type epollPoller struct {
	epfd    int
	wakeR   int
	wakeW   int
	timers  *timerSet
	mask    map[int]uint32
}

// New constructs the platform Poller. Every OS build of this package
// exposes the same constructor name.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	r, w, err := selfPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{
		epfd:   epfd,
		wakeR:  r,
		wakeW:  w,
		timers: newTimerSet(),
		mask:   make(map[int]uint32),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r)}); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("netpoll: registering wake pipe: %w", err)
	}
	return p, nil
}

func (p *epollPoller) ctl(op int, fd int, events uint32) error {
	if events == 0 {
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *epollPoller) RegisterRead(fd int) error {
	mask := p.mask[fd] | unix.EPOLLIN | unix.EPOLLRDHUP
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, mask); err != nil {
		return fmt.Errorf("netpoll: register read fd=%d: %w", fd, err)
	}
	p.mask[fd] = mask
	return nil
}

func (p *epollPoller) RegisterWrite(fd int) error {
	mask := p.mask[fd] | unix.EPOLLOUT
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, mask); err != nil {
		return fmt.Errorf("netpoll: register write fd=%d: %w", fd, err)
	}
	p.mask[fd] = mask
	return nil
}

func (p *epollPoller) Enable(fd int, dir Direction) error {
	cur, ok := p.mask[fd]
	if !ok {
		if dir == DirRead {
			return p.RegisterRead(fd)
		}
		return p.RegisterWrite(fd)
	}
	bit := uint32(unix.EPOLLOUT)
	if dir == DirRead {
		bit = unix.EPOLLIN | unix.EPOLLRDHUP
	}
	mask := cur | bit
	if mask == cur {
		return nil
	}
	op := unix.EPOLL_CTL_MOD
	if cur == 0 {
		// ctl removed the fd from the epoll set when its mask became empty.
		op = unix.EPOLL_CTL_ADD
	}
	if err := p.ctl(op, fd, mask); err != nil {
		return fmt.Errorf("netpoll: enable fd=%d: %w", fd, err)
	}
	p.mask[fd] = mask
	return nil
}

func (p *epollPoller) Disable(fd int, dir Direction) error {
	cur, ok := p.mask[fd]
	if !ok {
		return nil
	}
	bit := uint32(unix.EPOLLOUT)
	if dir == DirRead {
		bit = unix.EPOLLIN | unix.EPOLLRDHUP
	}
	mask := cur &^ bit
	if mask == cur {
		return nil
	}
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, mask); err != nil {
		return fmt.Errorf("netpoll: disable fd=%d: %w", fd, err)
	}
	p.mask[fd] = mask
	return nil
}

func (p *epollPoller) SetTimer(fd int, d time.Duration) { p.timers.set(fd, d) }
func (p *epollPoller) ClearTimer(fd int)                { p.timers.clear(fd) }

func (p *epollPoller) Clear(fd int) error {
	delete(p.mask, fd)
	p.timers.clear(fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("netpoll: clear fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wake() error {
	_, err := unix.Write(p.wakeW, []byte{0})
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.epfd)
}

func (p *epollPoller) Poll() ([]Event, error) {
	timeout := -1
	if d := p.timers.nextTimeout(); d >= 0 {
		// Round up so epoll_wait never returns before the earliest deadline.
		ms := int((d + time.Millisecond - 1) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		timeout = ms
	}

	var raw [256]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netpoll: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n+4)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakeR {
			var buf [64]byte
			unix.Read(p.wakeR, buf[:])
			continue
		}
		ev := raw[i].Events
		if ev&unix.EPOLLIN != 0 {
			events = append(events, Event{Fd: fd, Dir: DirRead, EOF: ev&unix.EPOLLRDHUP != 0})
		}
		if ev&unix.EPOLLOUT != 0 {
			events = append(events, Event{Fd: fd, Dir: DirWrite})
		}
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			events = append(events, Event{Fd: fd, Err: true})
		}
	}
	for _, fd := range p.timers.expired() {
		events = append(events, Event{Fd: fd, IsTimer: true})
	}
	return events, nil
}

// selfPipe creates a non-blocking pipe used to interrupt a blocked
// EpollWait/Kevent call from another goroutine (the signal handler
// delivering shutdown).
func selfPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, fmt.Errorf("netpoll: self-pipe: %w", err)
	}
	return fds[0], fds[1], nil
}
