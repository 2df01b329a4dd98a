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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/VS-ETH/scinit/lib/supervisor"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", `
programs:
  - name: web
    path: /bin/web
    type: simple
`)

	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Len(t, specs, 1)
	assert.Equal(t, "web", specs[0].Name)
	assert.Equal(t, supervisor.Simple, specs[0].Type)
}

func TestLoadDirectoryIsSortedAndConcatenated(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.yml", "programs:\n  - name: second\n    path: /bin/b\n")
	writeManifest(t, dir, "a.yml", "programs:\n  - name: first\n    path: /bin/a\n")

	specs, err := Load(dir)
	assert.NoError(t, err)
	assert.Len(t, specs, 2)
	assert.Equal(t, "first", specs[0].Name)
	assert.Equal(t, "second", specs[1].Name)
	assert.Equal(t, 0, specs[0].ID)
	assert.Equal(t, 1, specs[1].ID)
}

func TestLoadSkipsEntryMissingNameOrPath(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", `
programs:
  - name: incomplete
  - name: ok
    path: /bin/ok
`)
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Len(t, specs, 1)
	assert.Equal(t, "ok", specs[0].Name)
}

// TestResolveIdentityGidKeyWritesGID pins the corrected (non-buggy)
// field mapping: a numeric `gid` key in the manifest ends up in the
// parsed ChildSpec's GID field, not its UID field.
func TestResolveIdentityGidKeyWritesGID(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", `
programs:
  - name: web
    path: /bin/web
    uid: 1000
    gid: 2000
`)
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Len(t, specs, 1)
	assert.Equal(t, uint32(1000), specs[0].UID)
	assert.Equal(t, uint32(2000), specs[0].GID)
}

func TestResolveIdentityDefaultsToNobody(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", "programs:\n  - name: web\n    path: /bin/web\n")
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, uint32(defaultUID), specs[0].UID)
	assert.Equal(t, uint32(defaultGID), specs[0].GID)
}

func TestSplitEnvWhitelistAndTemplatedExtras(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", `
programs:
  - name: web
    path: /bin/web
    env:
      - CUSTOM_VAR
      - GREETING: "hello {{ USER }}"
`)
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"CUSTOM_VAR"}, specs[0].InheritEnv)
	assert.Len(t, specs[0].ExtraEnv, 1)
	assert.Equal(t, "GREETING", specs[0].ExtraEnv[0].Name)
	assert.Equal(t, "hello {{ USER }}", specs[0].ExtraEnv[0].Template)
}

func TestDefaultEnvDefaultsTrueUnlessSetFalse(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", `
programs:
  - name: implicit
    path: /bin/a
  - name: explicit
    path: /bin/b
    default_env: false
`)
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.True(t, specs[0].DefaultEnv)
	assert.False(t, specs[1].DefaultEnv)
}

func TestPTYFlag(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", "programs:\n  - name: web\n    path: /bin/web\n    pty: true\n")
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, supervisor.PTY, specs[0].Terminal)
}

func TestBeforeAfterPreserved(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "config.yml", `
programs:
  - name: web
    path: /bin/web
    before: [proxy]
    after: [db]
`)
	specs, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"proxy"}, specs[0].Before)
	assert.Equal(t, []string{"db"}, specs[0].After)
}
