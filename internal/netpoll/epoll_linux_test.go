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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipePair(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollPoller_RegisterReadReportsReadiness(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	require.NoError(t, p.RegisterRead(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	events, err := p.Poll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, r, events[0].Fd)
	assert.Equal(t, DirRead, events[0].Dir)
}

func TestEpollPoller_DisableSuppressesDirection(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	require.NoError(t, p.RegisterRead(r))
	require.NoError(t, p.Disable(r, DirRead))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	done := make(chan []Event, 1)
	go func() {
		p.SetTimer(r, 50*time.Millisecond)
		events, _ := p.Poll()
		done <- events
	}()

	select {
	case events := <-done:
		for _, ev := range events {
			if ev.IsTimer {
				continue
			}
			assert.NotEqual(t, r, ev.Fd, "expected no read event for a disabled fd")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll never returned")
	}
}

func TestEpollPoller_TimerExpires(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, _ := pipePair(t)
	require.NoError(t, p.RegisterRead(r))
	p.SetTimer(r, 20*time.Millisecond)

	events, err := p.Poll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsTimer)
	assert.Equal(t, r, events[0].Fd)
}

func TestEpollPoller_ClearTimerPreventsExpiry(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, _ := pipePair(t)
	require.NoError(t, p.RegisterRead(r))
	p.SetTimer(r, 20*time.Millisecond)
	p.ClearTimer(r)

	done := make(chan []Event, 1)
	go func() {
		events, _ := p.Poll()
		done <- events
	}()

	select {
	case events := <-done:
		t.Fatalf("Poll returned unexpectedly with %d events; timer should have been cleared", len(events))
	case <-time.After(100 * time.Millisecond):
		// expected: Poll is still blocked since no timer or readiness fired
	}
}

func TestEpollPoller_WakeInterruptsPoll(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		_, err := p.Poll()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wake did not unblock Poll")
	}
}

func TestEpollPoller_ClearRemovesRegistration(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	require.NoError(t, p.RegisterRead(r))
	require.NoError(t, p.Clear(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	p.SetTimer(r, 50*time.Millisecond)
	events, err := p.Poll()
	require.NoError(t, err)
	for _, ev := range events {
		if ev.IsTimer {
			continue
		}
		assert.NotEqual(t, DirRead, ev.Dir, "cleared fd must not report readiness")
	}
}
