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

package listensock

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hepple42/42-webserv/internal/wsconfig"
)

// freePort asks the OS for an ephemeral TCP port and immediately releases it;
// good enough for a test that rebinds it a moment later, accepting the tiny
// reuse race every such test accepts.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestListener_OpenAcceptClose(t *testing.T) {
	port := freePort(t)
	addr, err := wsconfig.NewAddress(net.ParseIP("127.0.0.1"), port)
	require.NoError(t, err)

	ln, err := Open(addr, 16)
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, addr, ln.Addr)
	assert.Greater(t, ln.Fd, 0)

	// Before any client connects, a non-blocking accept must report "no
	// connection pending" rather than blocking the caller.
	_, _, ok, err := ln.Accept()
	require.NoError(t, err)
	assert.False(t, ok)

	client, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
	require.NoError(t, err)
	defer client.Close()

	var (
		connFd int
		peer   wsconfig.Address
		gotOK  bool
	)
	require.Eventually(t, func() bool {
		connFd, peer, gotOK, err = ln.Accept()
		require.NoError(t, err)
		return gotOK
	}, 2*time.Second, 5*time.Millisecond)

	defer unix.Close(connFd)
	assert.Equal(t, "127.0.0.1", peer.IPString())
	assert.NotZero(t, peer.Port)
}

func TestListener_BindFailureOnAlreadyBoundPort(t *testing.T) {
	port := freePort(t)
	addr, err := wsconfig.NewAddress(net.ParseIP("127.0.0.1"), port)
	require.NoError(t, err)

	first, err := Open(addr, 16)
	require.NoError(t, err)
	defer first.Close()

	// SO_REUSEADDR permits rebinding a TIME_WAIT port but not one actively
	// LISTENing, so a second Open on the same address must fail.
	_, err = Open(addr, 16)
	assert.Error(t, err)
}
