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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiplexerReportsReadableThenHangup(t *testing.T) {
	mux, err := newMultiplexer()
	assert.NoError(t, err)
	defer mux.Close()

	r, w, err := os.Pipe()
	assert.NoError(t, err)
	defer r.Close()

	assert.NoError(t, mux.Add(int(r.Fd())))

	_, err = w.Write([]byte("hi"))
	assert.NoError(t, err)

	events, err := mux.Wait(1000)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int(r.Fd()), events[0].fd)
	assert.True(t, events[0].readable)

	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	assert.Equal(t, "hi", string(buf[:n]))

	w.Close()

	events, err = mux.Wait(1000)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.True(t, events[0].hangup)
}

func TestMultiplexerWaitTimesOutWithNoEvents(t *testing.T) {
	mux, err := newMultiplexer()
	assert.NoError(t, err)
	defer mux.Close()

	events, err := mux.Wait(50)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestMultiplexerRemove(t *testing.T) {
	mux, err := newMultiplexer()
	assert.NoError(t, err)
	defer mux.Close()

	r, w, err := os.Pipe()
	assert.NoError(t, err)
	defer r.Close()
	defer w.Close()

	assert.NoError(t, mux.Add(int(r.Fd())))
	assert.NoError(t, mux.Remove(int(r.Fd())))

	_, err = w.Write([]byte("x"))
	assert.NoError(t, err)

	events, err := mux.Wait(50)
	assert.NoError(t, err)
	assert.Empty(t, events)
}
