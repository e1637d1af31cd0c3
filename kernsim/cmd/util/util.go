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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of kernsim as well as the regular log.
var ErrorLogger io.Writer

// Writer writes to log and stdout.
type Writer struct{}

// Write implements io.Writer.
func (i *Writer) Write(data []byte) (n int, err error) {
	log.Infof("%s", data)
	return os.Stdout.Write(data)
}

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs error to the error log (--log), to stderr, and debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	logError(fmt.Errorf(format, args...))
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	logError(fmt.Errorf(format, args...))
	// Return an error that is unlikely to be used by the simulated program.
	os.Exit(128)
}

// logError logs to the regular log, to stderr, and to ErrorLogger in JSON.
func logError(err error) {
	log.Warningf("FATAL ERROR: %v", err)
	fmt.Fprintf(os.Stderr, "kernsim: %v\n", err)
	if ErrorLogger == nil {
		return
	}
	e := struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   err.Error(),
		Level: "error",
		Time:  time.Now(),
	}
	if b, err := json.Marshal(&e); err == nil {
		_, _ = ErrorLogger.Write(append(b, '\n'))
	}
}

// DebugLogFile opens a debug log file named after logPattern. A pattern
// ending in "/" names a directory that gets a default file name.
func DebugLogFile(logPattern, command string) (*os.File, error) {
	if strings.HasSuffix(logPattern, "/") {
		// Default format: <debug-log>/kernsim.log.<yyyymmdd-hhmmss.uuuuuu>.<command>.txt
		logPattern += "kernsim.log.%TIMESTAMP%.%COMMAND%.txt"
	}
	return log.OpenFile(logPattern, command, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}
