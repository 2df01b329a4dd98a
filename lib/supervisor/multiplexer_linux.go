// Copyright 2016 VMware, Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// readyEvent describes one descriptor the multiplexer reported ready.
type readyEvent struct {
	fd       int
	readable bool
	hangup   bool
}

// multiplexer is the epoll instance the event loop waits on: child
// output descriptors and the signalfd are all registered here, so a
// single wait call serves spec.md section 4.4's main cycle step 1.
type multiplexer struct {
	epfd int
}

func newMultiplexer() (*multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	return &multiplexer{epfd: epfd}, nil
}

func (m *multiplexer) Close() error { return unix.Close(m.epfd) }

// Add registers fd for readable (and hangup) events.
func (m *multiplexer) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove unregisters fd. Errors are not fatal: the fd may already have
// been closed, which implicitly drops it from the epoll set.
func (m *multiplexer) Remove(fd int) error {
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMs milliseconds and returns the ready
// events, translated out of the raw unix.EpollEvent representation.
func (m *multiplexer) Wait(timeoutMs int) ([]readyEvent, error) {
	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(m.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		out = append(out, readyEvent{
			fd:       int(ev.Fd),
			readable: ev.Events&unix.EPOLLIN != 0,
			hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return out, nil
}
