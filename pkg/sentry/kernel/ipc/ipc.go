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

// Package ipc implements ports and sessions, the kernel's client/server
// message passing objects.
//
// A port has a server half, which accepts sessions, and a client half, which
// creates them up to a fixed maximum. A session has a client half, which
// sends requests and blocks until they are answered, and a server half,
// which receives and replies to them. Light sessions pass a small fixed
// payload through the threads' light session buffers instead of a message.
//
// Every object is drawn from a slab heap and each half holds a reference on
// its parent. Waits and wakeups happen under the kernel's scheduler lock.
package ipc

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
)

// ReplyFlag is set in the first word of a light session buffer passed to
// ReplyAndReceive when the buffer holds a reply to the current request.
const ReplyFlag = 1 << 31

// LightSessionData is a light session payload.
type LightSessionData = [kernel.LightSessionDataWords]uint32

// Objects holds the slab heaps IPC objects are allocated from.
type Objects struct {
	k *kernel.Kernel

	Ports         slab.Heap[KPort]
	Sessions      slab.Heap[KSession]
	LightSessions slab.Heap[KLightSession]
	Requests      slab.Heap[SessionRequest]

	// unused backs objects allocated beyond the heaps' capacity. It may be
	// nil.
	unused *slab.UnusedSlabMemory

	// names holds the named ports.
	names Registry
}

// ObjectSizes returns the sizes of the objects whose heaps Objects holds,
// for slab.ResourceCounts.Specs.
func ObjectSizes() map[slab.Type]slab.HeapSpec {
	var o Objects
	return map[slab.Type]slab.HeapSpec{
		slab.TypePort:           {ObjectSize: o.Ports.ObjectSize(), Align: o.Ports.ObjectAlignment()},
		slab.TypeSession:        {ObjectSize: o.Sessions.ObjectSize(), Align: o.Sessions.ObjectAlignment()},
		slab.TypeLightSession:   {ObjectSize: o.LightSessions.ObjectSize(), Align: o.LightSessions.ObjectAlignment()},
		slab.TypeSessionRequest: {ObjectSize: o.Requests.ObjectSize(), Align: o.Requests.ObjectAlignment()},
		slab.TypeObjectName:     {ObjectSize: o.names.entries.ObjectSize(), Align: o.names.entries.ObjectAlignment()},
	}
}

// NewObjects returns object heaps placed according to l. unused may be nil,
// disabling allocation beyond the heaps' capacity.
func NewObjects(k *kernel.Kernel, l *slab.Layout, unused *slab.UnusedSlabMemory) *Objects {
	o := &Objects{k: k, unused: unused}
	o.Ports.Initialize(l.Placement(slab.TypePort).Address, l.Placement(slab.TypePort).Count)
	o.Sessions.Initialize(l.Placement(slab.TypeSession).Address, l.Placement(slab.TypeSession).Count)
	o.LightSessions.Initialize(l.Placement(slab.TypeLightSession).Address, l.Placement(slab.TypeLightSession).Count)
	o.Requests.Initialize(l.Placement(slab.TypeSessionRequest).Address, l.Placement(slab.TypeSessionRequest).Count)
	o.names.init(l.Placement(slab.TypeObjectName).Address, l.Placement(slab.TypeObjectName).Count)
	log.Infof("IPC heaps: %d ports, %d sessions, %d light sessions, %d requests, %d names",
		o.Ports.GetSlabHeapSize(), o.Sessions.GetSlabHeapSize(), o.LightSessions.GetSlabHeapSize(),
		o.Requests.GetSlabHeapSize(), o.names.entries.GetSlabHeapSize())
	return o
}

// NewObjectsWithCounts returns object heaps for counts laid out back to back
// at base.
func NewObjectsWithCounts(k *kernel.Kernel, base hostarch.Addr, counts slab.ResourceCounts, unused *slab.UnusedSlabMemory) (*Objects, error) {
	specs := counts.Specs(ObjectSizes())
	size := slab.CalculateTotalSlabHeapSize(specs, 0)
	l, err := slab.SlabLayout(base, size, specs, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("laying out IPC heaps: %w", err)
	}
	return NewObjects(k, l, unused), nil
}

// Kernel returns the kernel the objects belong to.
func (o *Objects) Kernel() *kernel.Kernel { return o.k }

// Names returns the named port registry.
func (o *Objects) Names() *Registry { return &o.names }

// allocateDynamic reports whether p may allocate objects beyond the heaps'
// capacity.
func (o *Objects) allocateDynamic(p *kernel.Process) bool {
	return o.unused != nil && p != nil && p.IsSystem() && o.k.TargetSystem().IsDynamicResourceLimitsEnabled()
}

// allocate takes an object from h, falling back to unused slab memory when
// dynamic is set.
func allocate[T any](o *Objects, h *slab.Heap[T], dynamic bool) *T {
	if obj := h.Allocate(); obj != nil {
		return obj
	}
	if dynamic && o.unused != nil {
		return h.AllocateFromUnused(o.unused)
	}
	return nil
}
