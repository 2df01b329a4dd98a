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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChildInitialState(t *testing.T) {
	noDeps := NewChild(ChildSpec{ID: 0, Name: "a"}, nil)
	assert.Equal(t, Ready, noDeps.State())

	withAfter := NewChild(ChildSpec{ID: 1, Name: "b", After: []string{"a"}}, nil)
	assert.Equal(t, Blocked, withAfter.State())

	withBefore := NewChild(ChildSpec{ID: 2, Name: "c", Before: []string{"a"}}, nil)
	assert.Equal(t, Blocked, withBefore.State())
}

func TestNewChildDefaultsRestartPolicy(t *testing.T) {
	c := NewChild(ChildSpec{ID: 0, Name: "a"}, nil)
	assert.False(t, c.restart.ShouldRestart(c.Spec()))
}

func TestNotifyExitOneShot(t *testing.T) {
	c := NewChild(ChildSpec{ID: 0, Name: "a", Type: OneShot}, nil)
	c.markRunning(123, 1, 2)
	c.notifyExit(1)
	assert.Equal(t, Done, c.State())
	assert.Equal(t, 0, c.PID())
}

func TestNotifyExitSimpleCleanVsCrash(t *testing.T) {
	clean := NewChild(ChildSpec{ID: 0, Name: "a", Type: Simple}, nil)
	clean.markRunning(1, 1, 2)
	clean.notifyExit(0)
	assert.Equal(t, Done, clean.State())

	crashed := NewChild(ChildSpec{ID: 1, Name: "b", Type: Simple}, nil)
	crashed.markRunning(2, 1, 2)
	crashed.notifyExit(1)
	assert.Equal(t, Crashed, crashed.State())
}

type alwaysRestart struct{}

func (alwaysRestart) ShouldRestart(ChildSpec) bool { return true }

func TestNotifyExitSimpleCrashGoesToBackoffWithRestartPolicy(t *testing.T) {
	c := NewChild(ChildSpec{ID: 0, Name: "a", Type: Simple}, alwaysRestart{})
	c.markRunning(1, 1, 2)
	c.notifyExit(1)
	assert.Equal(t, Backoff, c.State())
}

func TestRecordDependencyDedupesByOtherID(t *testing.T) {
	c := NewChild(ChildSpec{ID: 0, Name: "a"}, nil)
	c.recordDependency(5, Running)
	c.recordDependency(5, Done)
	preconditions := c.Preconditions()
	assert.Len(t, preconditions, 1)
	assert.Equal(t, Done, preconditions[0].Required)
}

func TestPropagateAfterAndBefore(t *testing.T) {
	db := NewChild(ChildSpec{ID: 0, Name: "db", Type: Simple}, nil)
	migrate := NewChild(ChildSpec{ID: 1, Name: "migrate", Type: OneShot, After: []string{"db"}}, nil)
	web := NewChild(ChildSpec{ID: 2, Name: "web", Type: Simple, Before: []string{"proxy"}}, nil)
	proxy := NewChild(ChildSpec{ID: 3, Name: "proxy", Type: Simple}, nil)

	byName := map[string]*Child{"db": db, "migrate": migrate, "web": web, "proxy": proxy}

	migrate.propagate(byName)
	preconditions := migrate.Preconditions()
	assert.Len(t, preconditions, 1)
	assert.Equal(t, db.ID(), preconditions[0].OtherID)
	assert.Equal(t, Running, preconditions[0].Required)

	web.propagate(byName)
	proxyPreconditions := proxy.Preconditions()
	assert.Len(t, proxyPreconditions, 1)
	assert.Equal(t, web.ID(), proxyPreconditions[0].OtherID)
	assert.Equal(t, Running, proxyPreconditions[0].Required)
}

func TestRefreshFlipsBlockedToReadyOnlyWhenAllSatisfied(t *testing.T) {
	db := NewChild(ChildSpec{ID: 0, Name: "db", Type: Simple}, nil)
	web := NewChild(ChildSpec{ID: 1, Name: "web", Type: Simple, After: []string{"db"}}, nil)
	byID := map[int]*Child{0: db, 1: web}
	byName := map[string]*Child{"db": db, "web": web}

	web.propagate(byName)
	web.refresh(byID)
	assert.Equal(t, Blocked, web.State())

	db.markRunning(42, 1, 2)
	web.refresh(byID)
	assert.Equal(t, Ready, web.State())
}

func TestIsNotReady(t *testing.T) {
	c := NewChild(ChildSpec{ID: 0, Name: "a", Type: Simple}, nil)
	c.markRunning(1, 1, 2)
	err := errNotReady{name: c.Name()}
	assert.True(t, IsNotReady(err))
	assert.False(t, IsNotReady(assert.AnError))
}
