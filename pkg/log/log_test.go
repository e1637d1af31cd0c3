// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Errorf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestWriterEmit(t *testing.T) {
	tw := &testWriter{}
	w := &Writer{Next: tw}
	w.Emit(0, Info, time.Now(), "freed %d pages", 4)
	w.Emit(0, Info, time.Now(), "already terminated\n")
	if diff := cmp.Diff([]string{"freed 4 pages\n", "already terminated\n"}, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if diff := cmp.Diff([]string{"shown 2\n", "shown 3\n"}, tw.lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := len(tw.lines), 3; got != want {
		t.Errorf("got %d lines after SetLevel, want %d", got, want)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.March, 7, 9, 8, 7, 654321000, time.UTC)
	e.Emit(0, Warning, ts, "pool %s exhausted", "System")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0307 09:08:07.654321 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
	if !strings.HasSuffix(line, "] pool System exhausted\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Debug, time.Unix(0, 0), "order %d", 3)
	var j jsonLog
	if err := json.Unmarshal(buf.Bytes(), &j); err != nil {
		t.Fatalf("Unmarshal(%q): %v", buf.String(), err)
	}
	if j.Msg != "order 3" || j.Level != Debug {
		t.Errorf("got %+v", j)
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q", j.Caller)
	}
}

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

func TestLevelSet(t *testing.T) {
	var lv Level
	if err := lv.Set("DEBUG"); err != nil || lv != Debug {
		t.Errorf("Set(DEBUG) = %v, level %v", err, lv)
	}
	if err := lv.Set("loud"); err == nil {
		t.Errorf("Set(loud) should fail")
	}
}

func TestTextEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewTextEmitter(&buf, false)
	e.Emit(0, Info, time.Now(), "merged %d entries", 16)
	out := buf.String()
	if !strings.Contains(out, "level=info") || !strings.Contains(out, `msg="merged 16 entries"`) {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour, 1)
	for i := 0; i < 5; i++ {
		rl.Warningf("allocation %d failed", i)
	}
	if got, want := len(tw.lines), 1; got != want {
		t.Fatalf("got %d lines (%q), want %d", got, tw.lines, want)
	}
}

func TestBuildPath(t *testing.T) {
	start := time.Date(2024, time.January, 2, 3, 4, 5, 6000, time.UTC)
	got := BuildPath("/tmp/kernsim/%COMMAND%-%TIMESTAMP%.log", "stress", start)
	if want := "/tmp/kernsim/stress-20240102-030405.000006.log"; got != want {
		t.Errorf("BuildPath = %q, want %q", got, want)
	}
}
