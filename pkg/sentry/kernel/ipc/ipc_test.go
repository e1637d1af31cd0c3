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

package ipc

import (
	"testing"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/test/testutil"
)

const (
	testHeapBase   = hostarch.Addr(0x8000_0000)
	testUnusedBase = hostarch.Addr(0x9000_0000)
	testUnusedSize = 1 << 20
)

type testEnv struct {
	k      *kernel.Kernel
	objs   *Objects
	unused *slab.UnusedSlabMemory
	system *limits.ResourceLimit
}

type envOpts struct {
	counts  slab.ResourceCounts
	dynamic bool
	noSpill bool
}

func newTestEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()
	system := limits.NewResourceLimit()
	system.SetReserveTimeout(0)
	for which, n := range map[limits.LimitType]int64{limits.Sessions: 64, limits.Threads: 256} {
		if err := system.SetLimitValue(which, n); err != nil {
			t.Fatalf("SetLimitValue(%v) failed: %v", which, err)
		}
	}
	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{
		SystemResourceLimit: system,
		Target:              kernel.TargetSystem{DynamicResourceLimits: opts.dynamic},
		Cores:               hostarch.NumCores,
	}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	counts := opts.counts
	if counts == (slab.ResourceCounts{}) {
		counts = slab.ResourceCounts{Port: 8, Session: 8, LightSession: 8, ObjectName: 4}
	}
	var unused *slab.UnusedSlabMemory
	if !opts.noSpill {
		unused = slab.NewUnusedSlabMemory()
		unused.Donate(testUnusedBase, testUnusedSize)
	}
	objs, err := NewObjectsWithCounts(k, testHeapBase, counts, unused)
	if err != nil {
		t.Fatalf("NewObjectsWithCounts failed: %v", err)
	}
	return &testEnv{k: k, objs: objs, unused: unused, system: system}
}

// process creates a process. A nil limit makes it a system process.
func (e *testEnv) process(t *testing.T, rl *limits.ResourceLimit) *kernel.Process {
	t.Helper()
	p, err := e.k.CreateProcess(kernel.CreateProcessArgs{Name: t.Name(), ResourceLimit: rl})
	if err != nil {
		t.Fatalf("CreateProcess failed: %v", err)
	}
	return p
}

func (e *testEnv) thread(t *testing.T, p *kernel.Process) *kernel.Thread {
	t.Helper()
	th, err := e.k.NewThread(p, 44)
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	return th
}

func (e *testEnv) port(t *testing.T, maxSessions int32, light bool) *KPort {
	t.Helper()
	p, err := e.objs.CreatePort(maxSessions, light, "test")
	if err != nil {
		t.Fatalf("CreatePort failed: %v", err)
	}
	return p
}

// waitForSleep polls until th blocks.
func (e *testEnv) waitForSleep(t *testing.T, th *kernel.Thread) {
	t.Helper()
	if err := testutil.PollUntil(func() bool {
		e.k.Scheduler().Lock(nil)
		defer e.k.Scheduler().Unlock(nil)
		return th.IsWaiting()
	}, "thread to wait", 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testutil.TestTimeout(10 * time.Second)):
		t.Fatalf("thread never woke")
		return nil
	}
}

func pending(ch <-chan error) bool {
	select {
	case <-ch:
		return false
	case <-time.After(20 * time.Millisecond):
		return true
	}
}

func receiveTimeout() <-chan time.Time {
	return time.After(testutil.TestTimeout(10 * time.Second))
}
