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

// Package config loads the program manifest described in spec.md
// section 6 into an ordered list of supervisor.ChildSpec values. It is
// the "configuration loader" collaborator spec.md calls out as external
// to the core supervisor.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/VS-ETH/scinit/lib/supervisor"
)

const (
	defaultUID = 65534
	defaultGID = 65534
)

// rawManifest mirrors the YAML document shape of spec.md section 6.
type rawManifest struct {
	Programs []rawProgram `yaml:"programs"`
}

type rawProgram struct {
	Name         string     `yaml:"name"`
	Path         string     `yaml:"path"`
	Args         []string   `yaml:"args"`
	Type         string     `yaml:"type"`
	Capabilities []string   `yaml:"capabilities"`
	UID          *uint32    `yaml:"uid"`
	GID          *uint32    `yaml:"gid"`
	User         string     `yaml:"user"`
	Group        string     `yaml:"group"`
	Before       []string   `yaml:"before"`
	After        []string   `yaml:"after"`
	PTY          bool       `yaml:"pty"`
	DefaultEnv   *bool      `yaml:"default_env"`
	Env          []yaml.Node `yaml:"env"`
}

// Load reads path, which may be a single file or a directory of regular
// files (loaded in lexical order for determinism), and returns the
// ordered list of ChildSpecs it describes. Entries missing name or path
// are skipped with a warning; everything else follows spec.md section 6.
func Load(path string) ([]supervisor.ChildSpec, error) {
	files, err := filesFor(path)
	if err != nil {
		return nil, err
	}

	var raws []rawProgram
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		var m rawManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f, err)
		}
		raws = append(raws, m.Programs...)
	}

	specs := make([]supervisor.ChildSpec, 0, len(raws))
	nextID := 0
	for _, r := range raws {
		spec, ok := toChildSpec(r, nextID)
		if !ok {
			continue
		}
		specs = append(specs, spec)
		nextID++
	}
	return specs, nil
}

// filesFor resolves path to the sorted list of regular files to read: a
// single file yields itself, a directory yields its direct regular-file
// children sorted by name.
func filesFor(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		fi, err := os.Stat(full)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, full)
	}
	sort.Strings(files)
	return files, nil
}

// toChildSpec validates and defaults one manifest entry into a ChildSpec
// with the given stable ID. ok is false when the entry is skipped.
func toChildSpec(r rawProgram, id int) (supervisor.ChildSpec, bool) {
	if r.Name == "" || r.Path == "" {
		log.WithField("name", r.Name).Warn("config: program entry missing name or path, skipping")
		return supervisor.ChildSpec{}, false
	}

	programType := supervisor.Simple
	switch r.Type {
	case "", "simple":
		programType = supervisor.Simple
	case "oneshot":
		programType = supervisor.OneShot
	default:
		log.WithFields(log.Fields{"name": r.Name, "type": r.Type}).
			Warn("config: unknown program type, defaulting to simple")
	}

	uid, gid := resolveIdentity(r)

	terminal := supervisor.Pipe
	if r.PTY {
		terminal = supervisor.PTY
	}

	defaultEnv := true
	if r.DefaultEnv != nil {
		defaultEnv = *r.DefaultEnv
	}

	inherit, extra := splitEnv(r.Env, r.Name)

	return supervisor.ChildSpec{
		ID:           id,
		Name:         r.Name,
		Path:         r.Path,
		Args:         append([]string(nil), r.Args...),
		Type:         programType,
		Capabilities: append([]string(nil), r.Capabilities...),
		UID:          uid,
		GID:          gid,
		Before:       append([]string(nil), r.Before...),
		After:        append([]string(nil), r.After...),
		Terminal:     terminal,
		InheritEnv:   inherit,
		DefaultEnv:   defaultEnv,
		ExtraEnv:     extra,
	}, true
}

// resolveIdentity implements spec.md section 6's uid/gid vs user/group
// rules, including the two documented reference defects of section 9's
// Open Questions 2 and 3 as they apply to the numeric-field plumbing:
// this loader writes a numeric `gid` key to GID and a numeric `uid` key
// to UID (the corrected behaviour spec.md directs implementers to use),
// not the reference's copy-paste swap.
func resolveIdentity(r rawProgram) (uid, gid uint32) {
	uid, gid = defaultUID, defaultGID

	numericGiven := r.UID != nil || r.GID != nil
	symbolicGiven := r.User != "" || r.Group != ""

	if numericGiven && symbolicGiven {
		log.WithField("name", r.Name).
			Warn("config: both numeric and symbolic identity given; symbolic resolution wins")
	}

	if r.UID != nil {
		uid = *r.UID
	}
	if r.GID != nil {
		gid = *r.GID
	}

	if symbolicGiven {
		if r.User != "" {
			if u, err := user.Lookup(r.User); err == nil {
				if n, err := strconv.ParseUint(u.Uid, 10, 32); err == nil {
					uid = uint32(n)
				}
			} else {
				log.WithFields(log.Fields{"name": r.Name, "user": r.User}).
					Warn("config: could not resolve user, falling back to nobody")
				uid = defaultUID
			}
		}
		if r.Group != "" {
			if g, err := user.LookupGroup(r.Group); err == nil {
				if n, err := strconv.ParseUint(g.Gid, 10, 32); err == nil {
					gid = uint32(n)
				}
			} else {
				log.WithFields(log.Fields{"name": r.Name, "group": r.Group}).
					Warn("config: could not resolve group, falling back to nogroup")
				gid = defaultGID
			}
		}
	}

	return uid, gid
}

// splitEnv partitions the `env` list into whitelist names (scalar
// entries) and templated extras (single-entry map entries), preserving
// declaration order for the extras as spec.md section 4.3 requires.
func splitEnv(nodes []yaml.Node, programName string) (whitelist []string, extras []supervisor.EnvVar) {
	for _, n := range nodes {
		switch n.Kind {
		case yaml.ScalarNode:
			whitelist = append(whitelist, n.Value)
		case yaml.MappingNode:
			if len(n.Content) != 2 {
				log.WithField("name", programName).
					Warn("config: env map entry must have exactly one key, skipping")
				continue
			}
			extras = append(extras, supervisor.EnvVar{
				Name:     n.Content[0].Value,
				Template: n.Content[1].Value,
			})
		default:
			log.WithField("name", programName).Warn("config: unrecognized env entry, skipping")
		}
	}
	return whitelist, extras
}
