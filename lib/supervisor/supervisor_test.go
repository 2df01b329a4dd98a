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
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/VS-ETH/scinit/lib/logsink"
)

// captureSink is an in-memory logsink.Sink: the end-to-end tests below
// assert against it instead of parsing real log output.
type captureSink struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newCaptureSink() *captureSink {
	return &captureSink{lines: make(map[string][]string)}
}

func (s *captureSink) ForProgram(name string) logsink.ProgramLog {
	return &captureProgramLog{sink: s, name: name}
}

func (s *captureSink) linesFor(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines[name]...)
}

type captureProgramLog struct {
	sink *captureSink
	name string
}

func (l *captureProgramLog) record(msg string) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.lines[l.name] = append(l.sink.lines[l.name], msg)
}

func (l *captureProgramLog) Info(msg string)     { l.record(msg) }
func (l *captureProgramLog) Warn(msg string)     { l.record("WARN: " + msg) }
func (l *captureProgramLog) Critical(msg string) { l.record("CRIT: " + msg) }

// requireRoot skips a test that needs to exercise the real setuid/setgid
// and capability-raising credential stage: only a root test runner has
// every capability permitted to begin with.
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("credential-reduction end-to-end test requires root")
	}
}

func selfIdentitySpec(id int, name string, typ ProgramType, path string, args []string) ChildSpec {
	return ChildSpec{
		ID:         id,
		Name:       name,
		Path:       path,
		Args:       args,
		Type:       typ,
		UID:        uint32(os.Getuid()),
		GID:        uint32(os.Getgid()),
		DefaultEnv: false,
	}
}

func runWithTimeout(t *testing.T, sup *Supervisor, timeout time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sup.Run() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("supervisor.Run did not terminate in time")
		return nil
	}
}

func TestEndToEndSingleOneShotChild(t *testing.T) {
	requireRoot(t)

	spec := selfIdentitySpec(0, "true", OneShot, "/bin/true", nil)
	sink := newCaptureSink()
	sup, err := NewSupervisor([]ChildSpec{spec}, sink)
	assert.NoError(t, err)

	assert.NoError(t, runWithTimeout(t, sup, 5*time.Second))
	assert.Equal(t, Done, sup.Children()[0].State())
}

func TestEndToEndSimpleCrash(t *testing.T) {
	requireRoot(t)

	spec := selfIdentitySpec(0, "false", Simple, "/bin/false", nil)
	sink := newCaptureSink()
	sup, err := NewSupervisor([]ChildSpec{spec}, sink)
	assert.NoError(t, err)

	assert.NoError(t, runWithTimeout(t, sup, 5*time.Second))
	assert.Equal(t, Crashed, sup.Children()[0].State())
}

func TestEndToEndDependencyOrdering(t *testing.T) {
	requireRoot(t)

	db := selfIdentitySpec(0, "db", OneShot, "/bin/true", nil)
	web := selfIdentitySpec(1, "web", OneShot, "/bin/true", nil)
	web.After = []string{"db"}

	sink := newCaptureSink()
	sup, err := NewSupervisor([]ChildSpec{db, web}, sink)
	assert.NoError(t, err)

	assert.NoError(t, runWithTimeout(t, sup, 5*time.Second))
	for _, c := range sup.Children() {
		assert.Equal(t, Done, c.State())
	}
}

func TestEndToEndStdoutStderrSplit(t *testing.T) {
	requireRoot(t)

	spec := selfIdentitySpec(0, "splitter", OneShot, "/bin/sh",
		[]string{"-c", "echo out-line; echo err-line 1>&2"})

	sink := newCaptureSink()
	sup, err := NewSupervisor([]ChildSpec{spec}, sink)
	assert.NoError(t, err)

	assert.NoError(t, runWithTimeout(t, sup, 5*time.Second))

	lines := sink.linesFor("splitter")
	var sawStdout, sawStderr bool
	for _, l := range lines {
		if l == "[stdout] out-line" {
			sawStdout = true
		}
		if l == "[stderr] err-line" {
			sawStderr = true
		}
	}
	assert.True(t, sawStdout, "expected a stdout line, got %v", lines)
	assert.True(t, sawStderr, "expected a stderr line, got %v", lines)
}

func TestEndToEndSignalForwarding(t *testing.T) {
	requireRoot(t)

	spec := selfIdentitySpec(0, "sleeper", Simple, "/bin/sh",
		[]string{"-c", "trap 'exit 0' TERM; while true; do sleep 1; done"})

	sink := newCaptureSink()
	sup, err := NewSupervisor([]ChildSpec{spec}, sink)
	assert.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run() }()

	// Give the scheduling pass time to fork the child before signalling.
	time.Sleep(300 * time.Millisecond)
	assert.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down after forwarding SIGTERM")
	}

	assert.Equal(t, Done, sup.Children()[0].State())
}

func TestEndToEndPTYChannel(t *testing.T) {
	requireRoot(t)

	spec := selfIdentitySpec(0, "ptyecho", OneShot, "/bin/sh", []string{"-c", "echo via-pty"})
	spec.Terminal = PTY

	sink := newCaptureSink()
	sup, err := NewSupervisor([]ChildSpec{spec}, sink)
	assert.NoError(t, err)

	assert.NoError(t, runWithTimeout(t, sup, 5*time.Second))
	assert.Equal(t, Done, sup.Children()[0].State())

	lines := sink.linesFor("ptyecho")
	found := false
	for _, l := range lines {
		if l == "[stdout] via-pty" {
			found = true
		}
	}
	assert.True(t, found, "expected the pty-backed stdout line, got %v", lines)
}
