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
	"encoding/binary"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalSource blocks a fixed set of signals process-wide and exposes
// their occurrences as readable records on a single fd, per spec.md
// section 4.4/4.5 and the "Signal source descriptor" glossary entry.
type signalSource struct {
	fd int
}

// consumedSignals are the only signals this supervisor reacts to via the
// signalfd; anything else observed by the kernel keeps default
// disposition (which, for an init process, generally means "ignored").
var consumedSignals = []syscall.Signal{syscall.SIGCHLD, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM}

func sigsetAdd(set *unix.Sigset_t, sig syscall.Signal) {
	s := uint(sig)
	set.Val[(s-1)/64] |= 1 << ((s - 1) % 64)
}

func buildSigset(sigs []syscall.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	for _, s := range sigs {
		sigsetAdd(&set, s)
	}
	return set
}

// newSignalSource blocks consumedSignals for the whole process and opens
// a close-on-exec signalfd that reports their occurrences.
func newSignalSource() (*signalSource, error) {
	set := buildSigset(consumedSignals)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("blocking signals: %w", err)
	}

	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("creating signalfd: %w", err)
	}

	return &signalSource{fd: fd}, nil
}

func (s *signalSource) Fd() int { return s.fd }

func (s *signalSource) Close() error { return unix.Close(s.fd) }

// Read consumes exactly one signalfd_siginfo record and returns the
// signal it describes.
func (s *signalSource) Read() (syscall.Signal, error) {
	var buf [unix.SizeofSignalfdSiginfo]byte
	n, err := unix.Read(s.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != unix.SizeofSignalfdSiginfo {
		return 0, fmt.Errorf("short signalfd read: got %d bytes, want %d", n, unix.SizeofSignalfdSiginfo)
	}
	signum := binary.LittleEndian.Uint32(buf[0:4])
	return syscall.Signal(signum), nil
}

// forwardToAll sends sig to every pid in pids, logging (not failing) any
// individual delivery error, as a process may have exited in the window
// between the pid snapshot and the kill(2) call.
func forwardToAll(pids []int, sig syscall.Signal, onErr func(pid int, err error)) {
	for _, pid := range pids {
		if err := syscall.Kill(pid, sig); err != nil && onErr != nil {
			onErr(pid, err)
		}
	}
}
