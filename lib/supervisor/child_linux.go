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
	"os/user"
	"strconv"
	"syscall"
)

// ioPair is one allocated stdout or stderr channel: parent keeps the
// read/master end, the child process gets the write/slave end.
type ioPair struct {
	parent    *os.File
	childSide *os.File
	slavePath string // only set for PTY pairs; used for the chown/chmod step
}

func newPipePair() (ioPair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return ioPair{}, err
	}
	return ioPair{parent: r, childSide: w}, nil
}

func newPTYIOPair() (ioPair, error) {
	master, slave, err := openPTYPair()
	if err != nil {
		return ioPair{}, err
	}
	return ioPair{parent: master, childSide: slave, slavePath: slave.Name()}, nil
}

func allocateIO(policy TerminalPolicy) (stdout, stderr ioPair, err error) {
	alloc := newPipePair
	if policy == PTY {
		alloc = newPTYIOPair
	}

	stdout, err = alloc()
	if err != nil {
		return ioPair{}, ioPair{}, fmt.Errorf("allocating stdout channel: %w", err)
	}
	stderr, err = alloc()
	if err != nil {
		stdout.parent.Close()
		stdout.childSide.Close()
		return ioPair{}, ioPair{}, fmt.Errorf("allocating stderr channel: %w", err)
	}
	return stdout, stderr, nil
}

// usernameForUID resolves a numeric uid to the username BuildEnvironment
// needs for USER/LOGNAME, falling back to the decimal uid itself when the
// container's /etc/passwd has no entry (entirely plausible for a scratch
// image), matching spec.md section 4.3's tolerance for an unresolvable
// identity.
func usernameForUID(uid uint32) string {
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		return u.Username
	}
	return strconv.FormatUint(uint64(uid), 10)
}

// attemptStart implements spec.md section 4.1's attempt-start operation:
// it is a no-op unless the child is Ready, and otherwise allocates
// stdout/stderr channels, forks into the re-exec credential stage, and on
// success records the primary pid and parent-side descriptors. sup
// supplies the process-wide collaborators (self-executable path, base
// environment) attemptStart does not own itself.
func (c *Child) attemptStart(sup *Supervisor) error {
	if c.State() != Ready {
		return errNotReady{name: c.Name()}
	}

	spec := c.Spec()

	stdout, stderr, err := allocateIO(spec.Terminal)
	if err != nil {
		return err
	}

	env := BuildEnvironment(sup.baseEnv, spec, usernameForUID(spec.UID))

	cfg := childExecConfig{
		Path:         spec.Path,
		Args:         spec.Args,
		Env:          env,
		UID:          spec.UID,
		GID:          spec.GID,
		Capabilities: spec.Capabilities,
	}
	if spec.Terminal == PTY {
		cfg.StdoutSlavePath = stdout.slavePath
		cfg.StderrSlavePath = stderr.slavePath
	}

	encoded, err := encodeChildExecConfig(cfg)
	if err != nil {
		closeIOPair(stdout)
		closeIOPair(stderr)
		return fmt.Errorf("encoding child exec config: %w", err)
	}

	attr := &syscall.ProcAttr{
		Env: []string{childStageEnvVar + "=" + encoded},
		Files: []uintptr{
			os.Stdin.Fd(),
			stdout.childSide.Fd(),
			stderr.childSide.Fd(),
		},
	}

	pid, err := syscall.ForkExec(sup.selfPath, []string{sup.selfPath}, attr)

	// The child-side descriptors were duplicated onto fd 1/2 of the new
	// process (or the fork never happened); either way the parent has no
	// further use for them.
	stdout.childSide.Close()
	stderr.childSide.Close()

	if err != nil {
		closeIOPair(stdout)
		closeIOPair(stderr)
		return fmt.Errorf("forking child: %w", err)
	}

	c.markRunning(pid, int(stdout.parent.Fd()), int(stderr.parent.Fd()))
	sup.registerChildStart(c, pid, stdout.parent, stderr.parent)
	return nil
}

func closeIOPair(p ioPair) {
	p.parent.Close()
	p.childSide.Close()
}
