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
	"os"

	"github.com/kr/pty"
	"golang.org/x/sys/unix"
)

// fallbackWinsize is the fixed 80x24 size used when the supervisor has
// no controlling terminal to copy attributes from (spec.md section 4.1).
var fallbackWinsize = unix.Winsize{Row: 24, Col: 80}

// openPTYPair allocates one master/slave pseudo-terminal pair and
// applies either the supervisor's controlling terminal attributes (if
// one exists) or a fixed 80x24 raw-mode fallback to the slave side.
func openPTYPair() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, err
	}
	unix.CloseOnExec(int(master.Fd()))

	if attrs, winsz, ok := controllingTerminalAttrs(); ok {
		_ = unix.IoctlSetTermios(int(slave.Fd()), unix.TCSETS, attrs)
		_ = unix.IoctlSetWinsize(int(slave.Fd()), unix.TIOCSWINSZ, winsz)
	} else {
		_ = unix.IoctlSetTermios(int(slave.Fd()), unix.TCSETS, rawTermios())
		_ = unix.IoctlSetWinsize(int(slave.Fd()), unix.TIOCSWINSZ, &fallbackWinsize)
	}

	return master, slave, nil
}

// controllingTerminalAttrs reads the termios/winsize of the supervisor's
// own stdin, if it is a terminal.
func controllingTerminalAttrs() (*unix.Termios, *unix.Winsize, bool) {
	attrs, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	if err != nil {
		return nil, nil, false
	}
	winsz, err := unix.IoctlGetWinsize(int(os.Stdin.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		winsz = &fallbackWinsize
	}
	return attrs, winsz, true
}

// rawTermios builds the fixed raw-mode fallback: echo, canonical mode,
// signal generation, and input translation are all disabled, matching
// the "raw = disabled echo/canonical/signal-generation/translations"
// wording of spec.md section 4.1.
func rawTermios() *unix.Termios {
	t := &unix.Termios{
		Iflag: 0,
		Oflag: 0,
		Cflag: unix.CS8 | unix.CREAD | unix.CLOCAL,
		Lflag: 0,
		Cc:    [19]uint8{},
	}
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return t
}
