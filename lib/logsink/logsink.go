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

// Package logsink provides the named per-program logging channel that
// the supervisor is handed as a collaborator (spec.md section 6). The
// supervisor package only ever talks to the Sink interface; nothing in
// it opens a file, so logging-to-files is out of scope by construction.
package logsink

import log "github.com/sirupsen/logrus"

// ProgramLog is the channel the supervisor writes one program's output
// and status lines to.
type ProgramLog interface {
	Info(msg string)
	Warn(msg string)
	Critical(msg string)
}

// Sink hands out a ProgramLog per program name. The same ProgramLog is
// expected to survive for the life of the child (spec.md section 6).
type Sink interface {
	ForProgram(name string) ProgramLog
}

// LogrusSink is the concrete Sink this repository wires up: every record
// is a single logrus entry tagged with the program name.
type LogrusSink struct {
	base *log.Logger
}

// NewLogrusSink wraps an existing *logrus.Logger (already configured with
// whatever level/formatter/output the caller wants) as a Sink.
func NewLogrusSink(base *log.Logger) *LogrusSink {
	return &LogrusSink{base: base}
}

// ForProgram returns a ProgramLog that tags every record with program=name.
func (s *LogrusSink) ForProgram(name string) ProgramLog {
	return &logrusProgramLog{entry: s.base.WithField("program", name)}
}

type logrusProgramLog struct {
	entry *log.Entry
}

func (l *logrusProgramLog) Info(msg string) { l.entry.Info(msg) }
func (l *logrusProgramLog) Warn(msg string) { l.entry.Warn(msg) }

// Critical maps to logrus's Error level: the supervisor never calls
// os.Exit itself (see SPEC_FULL.md section 7), so there is no Fatal call
// buried inside a library package.
func (l *logrusProgramLog) Critical(msg string) { l.entry.Error(msg) }
