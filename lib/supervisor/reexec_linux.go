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

// The Go runtime cannot safely run arbitrary Go code between fork() and
// exec() in the same process (only the child branch of a raw
// syscall.ForkExec may run, and only carefully curated assembly). This
// repository follows the corpus convention for that problem (seen in
// thediveo-gons's reexec package, and in the re-exec step every
// namespace-aware container runtime in the pack takes): attemptStart
// always forks straight into a fresh exec of this same binary with a
// magic environment variable carrying the credential-stage parameters as
// JSON. The re-executed process is single-threaded and fresh, so it is
// free to run steps 1-6 of spec.md section 4.2 as ordinary Go code, and
// finishes by replacing itself with the real target via syscall.Exec.
package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/syndtr/gocapability/capability"
)

const childStageEnvVar = "SCINIT_CHILD_STAGE"

// childExecConfig is everything the re-executed credential-stage helper
// needs; it travels from attemptStart to RunChildStage as base64'd JSON
// in childStageEnvVar, since the helper is a brand new process image and
// cannot share any Go state with its parent.
type childExecConfig struct {
	Path         string   `json:"path"`
	Args         []string `json:"args"`
	Env          []string `json:"env"`
	UID          uint32   `json:"uid"`
	GID          uint32   `json:"gid"`
	Capabilities []string `json:"capabilities"`

	// StdoutSlavePath/StderrSlavePath are set only when Terminal == PTY;
	// each is chowned/chmodded independently (spec.md section 9's Open
	// Question 3 about the stderr slave name being read from the stdout
	// slave in the reference is resolved here by simply keeping the two
	// paths distinct end to end).
	StdoutSlavePath string `json:"stdout_slave_path,omitempty"`
	StderrSlavePath string `json:"stderr_slave_path,omitempty"`
}

func encodeChildExecConfig(c childExecConfig) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeChildExecConfig(s string) (childExecConfig, error) {
	var c childExecConfig
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(data, &c)
	return c, err
}

// IsChildReexec reports whether the current process is the re-executed
// credential-stage helper. cmd/scinit calls this as the very first thing
// in main(), before any flag parsing.
func IsChildReexec() bool {
	return os.Getenv(childStageEnvVar) != ""
}

// init intercepts the re-exec before any importer's own main or test
// harness runs. attemptStart re-executes whatever binary is currently
// running (os.Executable()), which during `go test` is the compiled test
// binary rather than cmd/scinit; without this hook the credential stage
// would never take over and the fork would just re-run the test suite.
func init() {
	if IsChildReexec() {
		RunChildStage()
	}
}

// RunChildStage performs spec.md section 4.2's ordered credential
// reduction and execs the real target. It never returns on success; on
// failure it exits the process with a non-zero status, since "any
// failure in steps 2-6 is fatal to the child" and there is no parent
// left to report to other than the exit status itself.
func RunChildStage() {
	cfg, err := decodeChildExecConfig(os.Getenv(childStageEnvVar))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scinit: child stage: decoding config: %v\n", err)
		os.Exit(1)
	}

	if err := reduceCredentials(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "scinit: child stage: %v\n", err)
		os.Exit(1)
	}

	if err := syscall.Exec(cfg.Path, append([]string{cfg.Path}, cfg.Args...), cfg.Env); err != nil {
		fmt.Fprintf(os.Stderr, "scinit: child stage: exec %s: %v\n", cfg.Path, err)
		os.Exit(1)
	}
}

// reduceCredentials runs the six steps of spec.md section 4.2 in order.
func reduceCredentials(cfg childExecConfig) error {
	// Step 1: PTY slave ownership/permissions.
	if cfg.StdoutSlavePath != "" {
		if err := chownSlave(cfg.StdoutSlavePath, cfg.UID, cfg.GID); err != nil {
			return fmt.Errorf("stdout pty slave: %w", err)
		}
	}
	if cfg.StderrSlavePath != "" {
		if err := chownSlave(cfg.StderrSlavePath, cfg.UID, cfg.GID); err != nil {
			return fmt.Errorf("stderr pty slave: %w", err)
		}
	}

	requested := resolveCapabilities(cfg.Capabilities, func(msg string) {
		fmt.Fprintf(os.Stderr, "scinit: child stage: %s\n", msg)
	})

	transitional := append([]capability.Cap{
		capability.CAP_SETUID, capability.CAP_SETGID, capability.CAP_SETPCAP,
	}, requested...)

	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("opening capability state: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("loading capability state: %w", err)
	}

	// Step 2: raise the transitional set in effective/permitted/inheritable.
	caps.Clear(capability.CAPS)
	caps.Set(capability.CAPS, transitional...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("raising transitional capabilities: %w", err)
	}

	// Step 3: keep-caps, switch group then user, disarm keep-caps.
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("arming keep-capabilities: %w", err)
	}
	if err := unix.Setresgid(int(cfg.GID), int(cfg.GID), int(cfg.GID)); err != nil {
		return fmt.Errorf("switching group: %w", err)
	}
	if err := unix.Setresuid(int(cfg.UID), int(cfg.UID), int(cfg.UID)); err != nil {
		return fmt.Errorf("switching user: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("disarming keep-capabilities: %w", err)
	}

	// Step 4: re-assert the transitional set (switching uid/gid away from
	// root clears the effective set unless keep-caps kept it permitted).
	caps.Clear(capability.CAPS)
	caps.Set(capability.CAPS, transitional...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("re-asserting transitional capabilities: %w", err)
	}

	// Step 5: clear ambient, then raise each requested capability in it.
	caps.Clear(capability.AMBS)
	if err := caps.Apply(capability.AMBS); err != nil {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}
	if len(requested) > 0 {
		caps.Set(capability.AMBS, requested...)
		if err := caps.Apply(capability.AMBS); err != nil {
			return fmt.Errorf("raising ambient capabilities: %w", err)
		}
	}

	// Step 6: install the final set -- only the requested capabilities.
	caps.Clear(capability.CAPS)
	caps.Set(capability.CAPS, requested...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("installing final capabilities: %w", err)
	}

	return nil
}

func chownSlave(path string, uid, gid uint32) error {
	if err := os.Chown(path, int(uid), int(gid)); err != nil {
		return err
	}
	return os.Chmod(path, 0620)
}
