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
	"sync"

	log "github.com/sirupsen/logrus"
)

// RestartPolicy decides whether a Crashed child should be moved into
// Backoff. The only implementation carried here, NoRestart, always
// declines: spec.md section 9's Open Question 1 documents the
// Crashed->Backoff->Ready timer as unimplemented, so Backoff is a real,
// reachable state but nothing in this repository ever schedules the
// transition out of it.
type RestartPolicy interface {
	ShouldRestart(spec ChildSpec) bool
}

// NoRestart is the only RestartPolicy this repository implements.
type NoRestart struct{}

// ShouldRestart always returns false: see the RestartPolicy doc on Backoff.
func (NoRestart) ShouldRestart(ChildSpec) bool { return false }

// Child is the mutable runtime instance of a ChildSpec.
type Child struct {
	mu sync.Mutex

	spec  ChildSpec
	state State

	pid        int
	exitStatus int

	preconditions []Precondition

	// before/after start as a copy of spec.Before/spec.After and are
	// cleared once propagate() has turned them into Preconditions.
	before []string
	after  []string

	stdoutFD int
	stderrFD int

	restart RestartPolicy
}

// NewChild constructs a Child in its initial lifecycle state: Blocked if
// the spec declares any before/after relation, Ready otherwise.
func NewChild(spec ChildSpec, restart RestartPolicy) *Child {
	if restart == nil {
		restart = NoRestart{}
	}
	initial := Ready
	if len(spec.Before) > 0 || len(spec.After) > 0 {
		initial = Blocked
	}
	return &Child{
		spec:     spec,
		state:    initial,
		pid:      0,
		stdoutFD: -1,
		stderrFD: -1,
		before:   append([]string(nil), spec.Before...),
		after:    append([]string(nil), spec.After...),
		restart:  restart,
	}
}

// ID returns the child's stable numeric identifier.
func (c *Child) ID() int { return c.spec.ID }

// Name returns the child's unique name.
func (c *Child) Name() string { return c.spec.Name }

// Spec returns the immutable specification backing this instance.
func (c *Child) Spec() ChildSpec { return c.spec }

// State returns the current lifecycle state.
func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PID returns the primary process identifier while Running, 0 otherwise.
func (c *Child) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// ExitStatus returns the raw wait(2) status recorded at the last exit.
func (c *Child) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitStatus
}

// Preconditions returns a copy of the child's current precondition set.
func (c *Child) Preconditions() []Precondition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Precondition, len(c.preconditions))
	copy(out, c.preconditions)
	return out
}

// recordDependency appends (otherID, required) to the precondition set,
// deduplicated on otherID, per spec.md section 4.1.
func (c *Child) recordDependency(otherID int, required State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.preconditions {
		if p.OtherID == otherID {
			c.preconditions[i].Required = required
			return
		}
	}
	c.preconditions = append(c.preconditions, Precondition{OtherID: otherID, Required: required})
}

// propagate resolves this child's symbolic before/after relations into
// numeric preconditions on both sides, using byName to look up siblings.
// It is idempotent: calling it twice with the same byName view produces
// the same precondition sets, because recordDependency dedups on ID and
// before/after are cleared after the first pass.
func (c *Child) propagate(byName map[string]*Child) {
	c.mu.Lock()
	afterNames := append([]string(nil), c.after...)
	beforeNames := append([]string(nil), c.before...)
	c.mu.Unlock()

	for _, name := range afterNames {
		other, ok := byName[name]
		if !ok {
			log.WithFields(log.Fields{"child": c.Name(), "dependency": name}).
				Error("after: referenced program does not exist; this child will stay blocked")
			continue
		}
		required := requiredStateFor(other.Spec().Type)
		c.recordDependency(other.ID(), required)
	}

	for _, name := range beforeNames {
		other, ok := byName[name]
		if !ok {
			log.WithFields(log.Fields{"child": c.Name(), "dependency": name}).
				Error("before: referenced program does not exist")
			continue
		}
		required := requiredStateFor(c.Spec().Type)
		other.recordDependency(c.ID(), required)
	}

	c.mu.Lock()
	c.before = nil
	c.after = nil
	c.mu.Unlock()
}

// refresh re-evaluates this child's preconditions against byID, the
// current identifier->instance view, and flips Blocked to Ready when
// every precondition holds simultaneously. It is only meaningful while
// Blocked (spec.md invariant 4) and is monotone: once satisfied, a
// precondition set never becomes unsatisfied again from further calls,
// because refresh only ever moves state forward.
func (c *Child) refresh(byID map[int]*Child) {
	c.mu.Lock()
	if c.state != Blocked {
		c.mu.Unlock()
		return
	}
	preconditions := append([]Precondition(nil), c.preconditions...)
	c.mu.Unlock()

	satisfied := true
	for _, p := range preconditions {
		other, ok := byID[p.OtherID]
		if !ok {
			log.WithFields(log.Fields{"child": c.Name(), "dependency_id": p.OtherID}).
				Error("dependency instance missing during refresh; treating as unsatisfied")
			satisfied = false
			continue
		}
		if other.State() != p.Required {
			satisfied = false
		}
	}

	if satisfied {
		c.mu.Lock()
		if c.state == Blocked {
			c.state = Ready
		}
		c.mu.Unlock()
	}
}

// notifyExit applies the Running->Done/Crashed transition rules of
// spec.md section 3 and records the raw wait(2) status.
func (c *Child) notifyExit(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exitStatus = status
	c.pid = 0
	c.stdoutFD = -1
	c.stderrFD = -1

	if c.spec.Type == OneShot {
		c.state = Done
		return
	}

	if status == 0 {
		c.state = Done
		return
	}

	c.state = Crashed
	if c.restart.ShouldRestart(c.spec) {
		c.state = Backoff
	}
}

// markRunning transitions Ready->Running and records the primary pid and
// parent-side output descriptors, per spec.md section 4.1.
func (c *Child) markRunning(pid, stdoutFD, stderrFD int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Running
	c.pid = pid
	c.stdoutFD = stdoutFD
	c.stderrFD = stderrFD
}

// errNotReady is returned by attemptStart when the child is not Ready.
type errNotReady struct{ name string }

func (e errNotReady) Error() string {
	return fmt.Sprintf("child %q is not ready to start", e.name)
}

// IsNotReady reports whether err is the NotReady failure of attemptStart.
func IsNotReady(err error) bool {
	_, ok := err.(errNotReady)
	return ok
}
