// Copyright 2024 The gVisor Authors.
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
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TextEmitter formats messages with logrus' key=value text formatter, which
// reads better than the glog format on an interactive console.
type TextEmitter struct {
	Logger *logrus.Logger
}

// NewTextEmitter returns a TextEmitter writing to w. Colors are only used
// when color is set.
func NewTextEmitter(w io.Writer, color bool) TextEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
		DisableColors:   !color,
		ForceColors:     color,
	})
	return TextEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e TextEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	msg := strings.TrimSuffix(fmt.Sprintf(format, v...), "\n")
	switch level {
	case Debug:
		entry.Debug(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Warn(msg)
	}
}
