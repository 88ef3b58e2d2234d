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

//go:build darwin || freebsd || netbsd || openbsd

package netpoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin backend for Poller. Read and write
// interest are independent filters in kqueue (EVFILT_READ/EVFILT_WRITE),
// so Enable/Disable map directly onto EV_ADD|EV_ENABLE / EV_DISABLE on the
// matching filter rather than needing a tracked mask the way epoll does.
type kqueuePoller struct {
	kq     int
	wakeR  int
	wakeW  int
	timers *timerSet
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("netpoll: kqueue: %w", err)
	}
	r, w, err := selfPipe()
	if err != nil {
		unix.Close(kq)
		return nil, err
	}
	p := &kqueuePoller{kq: kq, wakeR: r, wakeW: w, timers: newTimerSet()}
	change := unix.Kevent_t{
		Ident:  uint64(r),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("netpoll: registering wake pipe: %w", err)
	}
	return p, nil
}

func (p *kqueuePoller) change(fd int, filter int16, flags uint16) error {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *kqueuePoller) RegisterRead(fd int) error {
	if err := p.change(fd, unix.EVFILT_READ, unix.EV_ADD); err != nil {
		return fmt.Errorf("netpoll: register read fd=%d: %w", fd, err)
	}
	return nil
}

func (p *kqueuePoller) RegisterWrite(fd int) error {
	if err := p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD); err != nil {
		return fmt.Errorf("netpoll: register write fd=%d: %w", fd, err)
	}
	return nil
}

func (p *kqueuePoller) Enable(fd int, dir Direction) error {
	filter := int16(unix.EVFILT_WRITE)
	if dir == DirRead {
		filter = unix.EVFILT_READ
	}
	if err := p.change(fd, filter, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return fmt.Errorf("netpoll: enable fd=%d: %w", fd, err)
	}
	return nil
}

func (p *kqueuePoller) Disable(fd int, dir Direction) error {
	filter := int16(unix.EVFILT_WRITE)
	if dir == DirRead {
		filter = unix.EVFILT_READ
	}
	if err := p.change(fd, filter, unix.EV_DISABLE); err != nil {
		return fmt.Errorf("netpoll: disable fd=%d: %w", fd, err)
	}
	return nil
}

func (p *kqueuePoller) SetTimer(fd int, d time.Duration) { p.timers.set(fd, d) }
func (p *kqueuePoller) ClearTimer(fd int)                { p.timers.clear(fd) }

func (p *kqueuePoller) Clear(fd int) error {
	p.timers.clear(fd)
	p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (p *kqueuePoller) Wake() error {
	_, err := unix.Write(p.wakeW, []byte{0})
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Poll() ([]Event, error) {
	var ts *unix.Timespec
	if d := p.timers.nextTimeout(); d >= 0 {
		t := unix.NsecToTimespec(int64(d))
		ts = &t
	}

	var raw [256]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netpoll: kevent: %w", err)
	}

	events := make([]Event, 0, n+4)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		if fd == p.wakeR {
			var buf [64]byte
			unix.Read(p.wakeR, buf[:])
			continue
		}
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			events = append(events, Event{Fd: fd, Dir: DirRead, EOF: raw[i].Flags&unix.EV_EOF != 0})
		case unix.EVFILT_WRITE:
			events = append(events, Event{Fd: fd, Dir: DirWrite, EOF: raw[i].Flags&unix.EV_EOF != 0})
		}
		if raw[i].Flags&unix.EV_ERROR != 0 {
			events = append(events, Event{Fd: fd, Err: true})
		}
	}
	for _, fd := range p.timers.expired() {
		events = append(events, Event{Fd: fd, IsTimer: true})
	}
	return events, nil
}

func selfPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, fmt.Errorf("netpoll: self-pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
