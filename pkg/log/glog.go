// Copyright 2018 Google LLC
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
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is used for the threadid component of the header. The glog package
// logger uses 7 spaces of padding.
var pid = fmt.Sprintf("%7d", os.Getpid())

func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is a single character representing the log level, threadid is the
// space-padded process ID and file:line is the caller at the given depth.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b strings.Builder
	b.Grow(64 + len(format))

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	fmt.Fprintf(&b, "%c%02d%02d %02d:%02d:%02d.%06d %s ",
		levelChar(level), int(month), day, hour, minute, second,
		timestamp.Nanosecond()/1000, pid)

	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		fmt.Fprintf(&b, "%s:%d] ", file, line)
	} else {
		b.WriteString("x:0] ")
	}

	// The user-provided format string is copied, arguments are expanded by
	// the underlying emitter.
	b.WriteString(format)
	b.WriteByte('\n')

	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
