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
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/VS-ETH/scinit/lib/logsink"
)

// pollTimeoutMs is the fixed epoll wait timeout of spec.md section 4.4's
// main cycle: short enough that a Ready child which just became
// unblocked starts within a second, long enough that the loop is not
// spinning.
const pollTimeoutMs = 1000

// Supervisor is the single-threaded event loop of spec.md section 4.4: it
// owns the multiplexer, the signal source, and every child's instance and
// runtime tables.
type Supervisor struct {
	mux *multiplexer
	sig *signalSource

	children []*Child
	byID     map[int]*Child

	pidToID  map[int]int
	fdToID   map[int]int
	fdToKind map[int]StreamKind
	fdFiles  map[int]*os.File

	runningCount int
	quit         bool

	sink     logsink.Sink
	selfPath string
	baseEnv  []string
}

// NewSupervisor builds the runtime instance for every spec, wires their
// before/after relations, and opens the multiplexer and signal source.
// A dependency cycle or any setup syscall failure is returned as a
// SetupFatal *Error; the caller (cmd/scinit) is expected to log it and
// exit non-zero without ever starting the loop.
func NewSupervisor(specs []ChildSpec, sink logsink.Sink) (*Supervisor, error) {
	selfPath, err := os.Executable()
	if err != nil {
		return nil, setupError("resolving self executable", err)
	}

	children := make([]*Child, 0, len(specs))
	byID := make(map[int]*Child, len(specs))
	for _, spec := range specs {
		c := NewChild(spec, NoRestart{})
		children = append(children, c)
		byID[c.ID()] = c
	}

	if err := ResolveDependencies(children); err != nil {
		return nil, setupError("resolving dependencies", err)
	}

	mux, err := newMultiplexer()
	if err != nil {
		return nil, setupError("creating multiplexer", err)
	}

	sig, err := newSignalSource()
	if err != nil {
		mux.Close()
		return nil, setupError("creating signal source", err)
	}
	if err := mux.Add(sig.Fd()); err != nil {
		mux.Close()
		sig.Close()
		return nil, setupError("registering signal source", err)
	}

	// Mark ourselves a child subreaper so orphaned grandchildren are
	// reparented to us rather than to the real pid 1, and reap() observes
	// every exit in the container regardless of process tree depth.
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		mux.Close()
		sig.Close()
		return nil, setupError("marking child subreaper", err)
	}

	return &Supervisor{
		mux:      mux,
		sig:      sig,
		children: children,
		byID:     byID,
		pidToID:  make(map[int]int),
		fdToID:   make(map[int]int),
		fdToKind: make(map[int]StreamKind),
		fdFiles:  make(map[int]*os.File),
		sink:     sink,
		selfPath: selfPath,
		baseEnv:  os.Environ(),
	}, nil
}

// Children exposes the runtime instances, for callers (tests, CLI status
// reporting) that need to inspect final states after Run returns.
func (s *Supervisor) Children() []*Child {
	return append([]*Child(nil), s.children...)
}

// Close releases the multiplexer and signal source. Run calls this
// itself once the loop exits; it is exported so setup-failure paths in
// cmd/scinit can clean up a partially built Supervisor too.
func (s *Supervisor) Close() {
	if s.mux != nil {
		s.mux.Close()
	}
	if s.sig != nil {
		s.sig.Close()
	}
}

// Run is spec.md section 4.4's main cycle: epoll wait, reap, dispatch,
// termination check, scheduling pass. It returns once the quit flag is
// set and no child is running, or once a scheduling pass leaves no child
// running; children still Blocked at that point are never started.
func (s *Supervisor) Run() error {
	defer s.Close()

	s.schedule()

	for {
		events, err := s.mux.Wait(pollTimeoutMs)
		if err != nil {
			return setupError("epoll wait", err)
		}

		s.reap()

		for _, ev := range events {
			if err := s.dispatch(ev); err != nil {
				return err
			}
		}

		if s.quit && s.runningCount == 0 {
			return nil
		}

		s.schedule()
		if s.runningCount == 0 {
			return nil
		}
	}
}

// reap drains every exited child via a non-blocking wait4 loop, per
// spec.md section 4.4: reaping never blocks the event loop and always
// runs to exhaustion (ECHILD or no more zombies) before dispatch.
func (s *Supervisor) reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err == syscall.ECHILD || pid <= 0 {
			return
		}
		if err != nil {
			return
		}

		id, ok := s.pidToID[pid]
		if !ok {
			// Something this supervisor did not launch was reaped as our
			// child (can only happen if a grandchild got reparented to us).
			// It is reaped silently.
			continue
		}
		delete(s.pidToID, pid)
		s.runningCount--

		child := s.byID[id]
		child.notifyExit(int(ws))
		msg := fmt.Sprintf("exited, status=%d state=%s", int(ws), child.State())
		if int(ws) == 0 {
			s.sink.ForProgram(child.Name()).Info(msg)
		} else {
			s.sink.ForProgram(child.Name()).Warn(msg)
		}
	}
}

// dispatch handles one ready descriptor: the signal source, or a child's
// stdout/stderr channel.
func (s *Supervisor) dispatch(ev readyEvent) error {
	if ev.fd == s.sig.Fd() {
		return s.dispatchSignal()
	}
	return s.dispatchOutput(ev)
}

// dispatchSignal reads one signal record and, per spec.md section 4.4
// step 3, either takes no action (child-exit: reap() already handles
// it), forwards and sets the quit flag (interrupt/quit), or forwards
// without changing the quit flag (anything else).
func (s *Supervisor) dispatchSignal() error {
	sig, err := s.sig.Read()
	if err != nil {
		return nil
	}
	if sig == syscall.SIGCHLD {
		// Exits are collected by reap(); SIGCHLD itself carries no further
		// information the loop needs.
		return nil
	}

	forwardToAll(s.livePIDs(), sig, func(pid int, err error) {
		// A pid in the table with no live process is a race with reap();
		// the delivery error is ignored.
	})

	if sig == syscall.SIGINT || sig == syscall.SIGQUIT || sig == syscall.SIGTERM {
		s.quit = true
	}
	return nil
}

// dispatchOutput reads at most one 4096-byte chunk from a child's output
// channel and logs it line by line, per spec.md section 4.7. A hangup
// unregisters and closes the channel once there is no more buffered data
// to drain. An event that is neither readable nor a hangup violates the
// multiplexer's contract and is setup-fatal.
func (s *Supervisor) dispatchOutput(ev readyEvent) error {
	file, ok := s.fdFiles[ev.fd]
	if !ok {
		return nil
	}
	id, idOK := s.fdToID[ev.fd]
	kind := s.fdToKind[ev.fd]

	if !ev.readable && !ev.hangup {
		return setupError("output channel event", fmt.Errorf("neither readable nor hangup on fd %d", ev.fd))
	}

	if ev.readable {
		buf := make([]byte, 4096)
		n, err := file.Read(buf)
		if n > 0 && idOK {
			child := s.byID[id]
			text := strings.TrimRight(string(buf[:n]), "\n")
			for _, line := range strings.Split(text, "\n") {
				s.sink.ForProgram(child.Name()).Info(fmt.Sprintf("[%s] %s", kind, line))
			}
		}
		if err != nil {
			ev.hangup = true
		} else if n > 0 {
			// More data may be buffered behind this read; the channel stays
			// registered until a read reports end of file.
			ev.hangup = false
		}
	}

	if ev.hangup {
		s.closeOutput(ev.fd)
	}
	return nil
}

func (s *Supervisor) closeOutput(fd int) {
	s.mux.Remove(fd)
	if f, ok := s.fdFiles[fd]; ok {
		f.Close()
	}
	delete(s.fdFiles, fd)
	delete(s.fdToID, fd)
	delete(s.fdToKind, fd)
}

// registerChildStart records a freshly started child's pid and output
// channels (spec.md section 4.1's register-io operation) and registers
// both descriptors with the multiplexer.
func (s *Supervisor) registerChildStart(c *Child, pid int, stdout, stderr *os.File) {
	s.pidToID[pid] = c.ID()
	s.runningCount++

	s.addOutputFD(int(stdout.Fd()), stdout, c.ID(), Stdout)
	s.addOutputFD(int(stderr.Fd()), stderr, c.ID(), Stderr)
}

func (s *Supervisor) addOutputFD(fd int, file *os.File, id int, kind StreamKind) {
	s.fdFiles[fd] = file
	s.fdToID[fd] = id
	s.fdToKind[fd] = kind
	if err := s.mux.Add(fd); err != nil {
		s.sink.ForProgram(s.byID[id].Name()).Warn(fmt.Sprintf("registering %s channel: %v", kind, err))
	}
}

func (s *Supervisor) livePIDs() []int {
	pids := make([]int, 0, len(s.pidToID))
	for pid := range s.pidToID {
		pids = append(pids, pid)
	}
	return pids
}

// schedule runs spec.md section 4.4's scheduling pass: the supervisor
// first refreshes every Blocked child against the states that may have
// just changed, then, while the quit flag is not set, starts every Ready
// child, including those the refresh just unblocked. Once quit is set,
// the supervisor stops spawning and starting entirely, so the
// Ready-start loop is skipped.
func (s *Supervisor) schedule() {
	for _, c := range s.children {
		c.refresh(s.byID)
	}
	if !s.quit {
		for _, c := range s.children {
			if c.State() != Ready {
				continue
			}
			if err := c.attemptStart(s); err != nil {
				s.sink.ForProgram(c.Name()).Warn(childError("starting child", err).Error())
			}
		}
	}
}
