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
	"regexp"
	"strings"
)

// DefaultWhitelist is the base set of inherited environment names, before
// any program-specific additions (spec.md section 4.3).
var DefaultWhitelist = []string{
	"HOME", "LANG", "LANGUAGE", "LOGNAME", "PATH", "PWD", "SHELL", "TERM", "USER",
}

// defaultEnvBlock is applied, one key at a time, only when the
// accumulator does not already hold a value for that key (i.e. the
// whitelist extraction from the current environment wins when present;
// defaults only fill absent slots). This resolves spec.md section 9's
// Open Question 4 explicitly, as directed by SPEC_FULL.md. A fixed slice
// (rather than a map) keeps the fill order deterministic.
func defaultEnvBlock(username string) []EnvVar {
	return []EnvVar{
		{Name: "HOME", Template: "/app"},
		{Name: "LANG", Template: "C"},
		{Name: "LANGUAGE", Template: "en"},
		{Name: "LOGNAME", Template: username},
		{Name: "PATH", Template: "/usr/local/bin:/usr/bin:/bin"},
		{Name: "SHELL", Template: "/bin/bash"},
		{Name: "TERM", Template: "screen"},
		{Name: "PWD", Template: "/app"},
	}
}

var templateRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// expandTemplate substitutes every `{{ NAME }}` occurrence in tmpl with
// the current value of NAME in acc; an unset NAME expands to "".
func expandTemplate(tmpl string, acc map[string]string) string {
	return templateRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := templateRe.FindStringSubmatch(m)[1]
		return acc[name]
	})
}

// BuildEnvironment implements spec.md section 4.3's procedure: whitelist
// extraction from the current process environment, forced USER, the
// default block (defaults only, inherited values win), then templated
// extras evaluated in declaration order. The return value is an ordered
// list of "KEY=VALUE" strings.
func BuildEnvironment(currentEnv []string, spec ChildSpec, targetUsername string) []string {
	whitelist := make(map[string]bool, len(DefaultWhitelist)+len(spec.InheritEnv))
	var order []string
	addToWhitelist := func(name string) {
		if !whitelist[name] {
			whitelist[name] = true
			order = append(order, name)
		}
	}
	for _, name := range DefaultWhitelist {
		addToWhitelist(name)
	}
	for _, name := range spec.InheritEnv {
		addToWhitelist(name)
	}

	acc := make(map[string]string)
	accOrder := make([]string, 0, len(currentEnv))
	for _, kv := range currentEnv {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		name, value := kv[:idx], kv[idx+1:]
		if whitelist[name] {
			if _, exists := acc[name]; !exists {
				accOrder = append(accOrder, name)
			}
			acc[name] = value
		}
	}

	acc["USER"] = targetUsername
	if !contains(accOrder, "USER") {
		accOrder = append(accOrder, "USER")
	}

	if spec.DefaultEnv {
		for _, d := range defaultEnvBlock(targetUsername) {
			if _, exists := acc[d.Name]; exists {
				continue
			}
			acc[d.Name] = d.Template
			accOrder = append(accOrder, d.Name)
		}
	}

	for _, extra := range spec.ExtraEnv {
		value := expandTemplate(extra.Template, acc)
		if _, exists := acc[extra.Name]; !exists {
			accOrder = append(accOrder, extra.Name)
		}
		acc[extra.Name] = value
	}

	out := make([]string, 0, len(accOrder))
	for _, name := range accOrder {
		out = append(out, name+"="+acc[name])
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
