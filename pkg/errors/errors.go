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

// Package errors holds the standardized error definition for the kernel
// core.
package errors

import "fmt"

// Result is a packed kernel result code. The low 9 bits hold the module and
// the following 13 bits hold the description.
type Result uint32

const (
	moduleBits      = 9
	descriptionBits = 13

	// ModuleKernel is the module number used by every kernel result.
	ModuleKernel = 1
)

// MakeResult packs a module and description into a Result.
func MakeResult(module, description uint32) Result {
	return Result((module & (1<<moduleBits - 1)) | (description&(1<<descriptionBits-1))<<moduleBits)
}

// Module returns the module number of r.
func (r Result) Module() uint32 { return uint32(r) & (1<<moduleBits - 1) }

// Description returns the description number of r.
func (r Result) Description() uint32 {
	return (uint32(r) >> moduleBits) & (1<<descriptionBits - 1)
}

// String implements fmt.Stringer. Results print as "2MMM-DDDD".
func (r Result) String() string {
	return fmt.Sprintf("%04d-%04d", 2000+r.Module(), r.Description())
}

// Error represents a kernel result with a descriptive message.
type Error struct {
	result  Result
	message string
}

// New creates a new *Error.
func New(result Result, message string) *Error {
	return &Error{
		result:  result,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Result returns the underlying result code.
func (e *Error) Result() Result { return e.result }
