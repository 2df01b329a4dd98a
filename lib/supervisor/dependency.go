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

import "fmt"

// CyclicDependencyError is returned by ResolveDependencies when the
// before/after graph contains a cycle. spec.md section 9's Open Question
// 5 leaves the choice open between failing setup and leaving every
// participant Blocked forever; SPEC_FULL.md resolves it in favor of
// failing fast, since a container supervisor that can never finish
// booting is worse than one that refuses to start.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	s := "dependency cycle:"
	for _, name := range e.Cycle {
		s += fmt.Sprintf(" %s ->", name)
	}
	return s + " " + e.Cycle[0]
}

// ResolveDependencies wires every child's before/after relations into
// numeric preconditions on both sides (propagate), performs the single
// whole-manifest refresh pass that may flip some Blocked children
// straight to Ready, and fails if the symbolic graph contains a cycle.
func ResolveDependencies(children []*Child) error {
	byName := make(map[string]*Child, len(children))
	for _, c := range children {
		byName[c.Name()] = c
	}

	if cycle := findCycle(children, byName); cycle != nil {
		return &CyclicDependencyError{Cycle: cycle}
	}

	for _, c := range children {
		c.propagate(byName)
	}

	byID := make(map[int]*Child, len(children))
	for _, c := range children {
		byID[c.ID()] = c
	}
	for _, c := range children {
		c.refresh(byID)
	}

	return nil
}

const (
	white = 0
	gray  = 1
	black = 2
)

// findCycle walks the symbolic before/after graph (an "after x" edge
// meaning "depends on x", a "before x" edge meaning "x depends on me")
// and returns the first cycle found as a slice of program names, or nil
// if the graph is acyclic. References to unknown names are ignored here;
// they are reported separately by propagate/refresh.
func findCycle(children []*Child, byName map[string]*Child) []string {
	adj := make(map[string][]string, len(children))
	for _, c := range children {
		for _, dep := range c.spec.After {
			adj[c.Name()] = append(adj[c.Name()], dep)
		}
		for _, dependent := range c.spec.Before {
			adj[dependent] = append(adj[dependent], c.Name())
		}
	}

	color := make(map[string]int, len(children))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		if _, ok := byName[name]; !ok {
			return false
		}
		switch color[name] {
		case black:
			return false
		case gray:
			// found a back-edge; extract the cycle from path
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle = append([]string(nil), path[start:]...)
			return true
		}
		color[name] = gray
		path = append(path, name)
		for _, next := range adj[name] {
			if visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, c := range children {
		if color[c.Name()] == white {
			if visit(c.Name()) {
				return cycle
			}
		}
	}
	return nil
}
