// Copyright 2019 Google Inc.
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

package pgalloc

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxMemoryManager is a Context.Value key for a MemoryManager.
	CtxMemoryManager contextID = iota
)

// WithMemoryManager returns a copy of ctx carrying mm.
func WithMemoryManager(ctx context.Context, mm *MemoryManager) context.Context {
	return context.WithValue(ctx, CtxMemoryManager, mm)
}

// MemoryManagerFromContext returns the MemoryManager used by ctx, or nil if
// no such MemoryManager exists.
func MemoryManagerFromContext(ctx context.Context) *MemoryManager {
	if v := ctx.Value(CtxMemoryManager); v != nil {
		return v.(*MemoryManager)
	}
	return nil
}
