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

// Package supervisor implements the single-threaded event loop that forks,
// execs under a reduced privilege set, multiplexes child output, forwards
// signals, and reaps exits for every program in a manifest.
package supervisor

import "fmt"

// ProgramType distinguishes a program that is expected to exit (OneShot)
// from one that is expected to keep running (Simple).
type ProgramType int

const (
	// OneShot programs are considered Done on any exit status.
	OneShot ProgramType = iota
	// Simple programs are Crashed on non-zero exit.
	Simple
)

func (t ProgramType) String() string {
	if t == OneShot {
		return "oneshot"
	}
	return "simple"
}

// TerminalPolicy selects how a child's stdout/stderr are plumbed back to
// the supervisor.
type TerminalPolicy int

const (
	// Pipe allocates a plain pipe pair per stream.
	Pipe TerminalPolicy = iota
	// PTY allocates a pseudo-terminal pair per stream.
	PTY
)

// State is a child's lifecycle state, per spec.md section 3.
type State int

const (
	Blocked State = iota
	Ready
	Running
	Done
	Crashed
	Backoff
)

func (s State) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Crashed:
		return "crashed"
	case Backoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamKind tags a parent-side output descriptor.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stdout {
		return "stdout"
	}
	return "stderr"
}

// EnvVar is one templated extra environment variable, evaluated in
// declaration order against the accumulator built so far (spec.md 4.3).
type EnvVar struct {
	Name     string
	Template string
}

// ChildSpec is the immutable description of one program, built by the
// config loader and never mutated after registration.
type ChildSpec struct {
	ID   int
	Name string

	Path string
	Args []string
	Type ProgramType

	Capabilities []string
	UID          uint32
	GID          uint32

	// Before/After hold symbolic program names; propagate() resolves the
	// Child's copies of them into numeric Preconditions on both sides and
	// clears those copies. These spec fields themselves are never cleared.
	Before []string
	After  []string

	Terminal TerminalPolicy

	InheritEnv []string
	DefaultEnv bool
	ExtraEnv   []EnvVar
}

// Precondition is one (other child, required state) pair that must hold
// simultaneously with all others for a Blocked child to become Ready.
type Precondition struct {
	OtherID  int
	Required State
}

// requiredStateFor returns the state a dependency of the given type must
// reach before its dependents may consider the precondition satisfied:
// Done for a one-shot dependency, Running for a long-running one.
func requiredStateFor(dependencyType ProgramType) State {
	if dependencyType == OneShot {
		return Done
	}
	return Running
}
