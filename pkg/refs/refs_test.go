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

package refs

import (
	"fmt"
	"testing"
)

type testObject struct {
	AtomicRefCount
	name      string
	destroyed int
}

func (o *testObject) RefType() string     { return "testObject" }
func (o *testObject) LeakMessage() string { return fmt.Sprintf("%s leaked", o.name) }

func (o *testObject) DecRef() {
	o.DecRefWithDestructor(func() {
		o.destroyed++
		Unregister(o)
	})
}

func TestDestroyOnLastReference(t *testing.T) {
	o := &testObject{name: "port"}
	o.Init()
	o.IncRef()
	o.DecRef()
	if o.destroyed != 0 {
		t.Fatalf("destroyed with a reference outstanding")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", o.destroyed)
	}
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a dead object")
	}
}

func TestDecRefUnderflowPanics(t *testing.T) {
	o := &testObject{}
	o.Init()
	o.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	o.DecRef()
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	a := &testObject{name: "a"}
	a.Init()
	Register(a)
	b := &testObject{name: "b"}
	b.Init()
	Register(b)

	b.DecRef()
	if got := LiveObjects()["testObject"]; got != 1 {
		t.Errorf("live testObjects = %d, want 1", got)
	}
	if got := DoRepeatedLeakCheck(); got != 1 {
		t.Errorf("DoRepeatedLeakCheck = %d, want 1", got)
	}
	a.DecRef()
	if got := DoRepeatedLeakCheck(); got != 0 {
		t.Errorf("DoRepeatedLeakCheck after release = %d, want 0", got)
	}
}
