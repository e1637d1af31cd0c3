// Copyright 2021 The gVisor Authors.
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

// Package kernerr contains the kernel result codes exported as error
// interface pointers. This allows for fast comparison and return operations
// comparable to raw result codes.
package kernerr

import (
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors"
)

func kernel(description uint32, message string) *errors.Error {
	return errors.New(errors.MakeResult(errors.ModuleKernel, description), message)
}

// Descriptions follow the supervisor call result numbering.
var (
	noError *errors.Error = nil

	ErrOutOfSessions        = kernel(7, "out of sessions")
	ErrInvalidArgument      = kernel(14, "invalid argument")
	ErrNotImplemented       = kernel(33, "not implemented")
	ErrTerminationRequested = kernel(59, "termination requested")
	ErrInvalidSize          = kernel(101, "invalid size")
	ErrInvalidAddress       = kernel(102, "invalid address")
	ErrOutOfResource        = kernel(103, "out of resource")
	ErrOutOfMemory          = kernel(104, "out of memory")
	ErrOutOfHandles         = kernel(105, "out of handles")
	ErrInvalidCurrentMemory = kernel(106, "invalid current memory")
	ErrInvalidHandle        = kernel(114, "invalid handle")
	ErrTimedOut             = kernel(117, "timed out")
	ErrCancelled            = kernel(118, "cancelled")
	ErrOutOfRange           = kernel(119, "out of range")
	ErrInvalidEnumValue     = kernel(120, "invalid enum value")
	ErrNotFound             = kernel(121, "not found")
	ErrBusy                 = kernel(122, "busy")
	ErrSessionClosed        = kernel(123, "session closed")
	ErrInvalidState         = kernel(125, "invalid state")
	ErrPortClosed           = kernel(131, "port closed")
	ErrLimitReached         = kernel(132, "limit reached")
)

var byResult = func() map[errors.Result]*errors.Error {
	m := make(map[errors.Result]*errors.Error)
	for _, e := range []*errors.Error{
		ErrOutOfSessions,
		ErrInvalidArgument,
		ErrNotImplemented,
		ErrTerminationRequested,
		ErrInvalidSize,
		ErrInvalidAddress,
		ErrOutOfResource,
		ErrOutOfMemory,
		ErrOutOfHandles,
		ErrInvalidCurrentMemory,
		ErrInvalidHandle,
		ErrTimedOut,
		ErrCancelled,
		ErrOutOfRange,
		ErrInvalidEnumValue,
		ErrNotFound,
		ErrBusy,
		ErrSessionClosed,
		ErrInvalidState,
		ErrPortClosed,
		ErrLimitReached,
	} {
		m[e.Result()] = e
	}
	return m
}()

// FromResult returns the error for r. A zero Result is success and maps to
// nil. Unknown results get a fresh error carrying the code.
func FromResult(r errors.Result) error {
	if r == 0 {
		return nil
	}
	if e, ok := byResult[r]; ok {
		return e
	}
	return errors.New(r, "unknown result "+r.String())
}

// ToResult returns the result code carried by err, or 0 for nil. Errors that
// did not originate in the kernel map to an unknown kernel result.
func ToResult(err error) errors.Result {
	if err == nil {
		return 0
	}
	if e, ok := err.(*errors.Error); ok {
		return e.Result()
	}
	return errors.MakeResult(errors.ModuleKernel, 0x1ff)
}

// Equals compares a kernel error to a target. Targets whose type is not
// *errors.Error are never equal.
func Equals(e *errors.Error, target error) bool {
	if target == nil {
		return e == noError
	}
	te, ok := target.(*errors.Error)
	if !ok {
		return false
	}
	if e == noError || te == nil {
		return e == te
	}
	return e.Result() == te.Result()
}
