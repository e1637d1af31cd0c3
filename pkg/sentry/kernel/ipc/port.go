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
	"fmt"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/cleanup"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ilist"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/refs"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
)

// PortState is the lifecycle state of a port.
type PortState int32

// Port states. A port leaves PortStateNormal when either half is closed and
// never returns to it.
const (
	PortStateNotInitialized PortState = iota
	PortStateNormal
	PortStateClientClosed
	PortStateServerClosed
)

// String implements fmt.Stringer.
func (s PortState) String() string {
	switch s {
	case PortStateNotInitialized:
		return "NotInitialized"
	case PortStateNormal:
		return "Normal"
	case PortStateClientClosed:
		return "ClientClosed"
	case PortStateServerClosed:
		return "ServerClosed"
	default:
		return fmt.Sprintf("PortState(%d)", int32(s))
	}
}

// NameLengthMax is the longest port name, in bytes.
const NameLengthMax = 11

// KPort couples a server port and a client port. It holds one reference per
// open half and returns to its slab heap when both are closed.
type KPort struct {
	refs.AtomicRefCount

	objs    *Objects
	server  KServerPort
	client  KClientPort
	name    string
	isLight bool

	// state is protected by the scheduler lock.
	state PortState
}

// CreatePort allocates a port accepting up to maxSessions live sessions.
// The caller owns one reference on each half.
func (o *Objects) CreatePort(maxSessions int32, isLight bool, name string) (*KPort, error) {
	if maxSessions <= 0 || len(name) > NameLengthMax {
		return nil, kernerr.ErrOutOfRange
	}
	p := o.Ports.Allocate()
	if p == nil {
		return nil, kernerr.ErrOutOfResource
	}
	p.Init()
	p.IncRef()
	p.objs = o
	p.name = name
	p.isLight = isLight
	p.server.Init()
	p.server.parent = p
	p.client.Init()
	p.client.parent = p
	p.client.maxSessions = maxSessions
	p.state = PortStateNormal
	log.Debugf("Port %q created: max sessions %d, light %t", name, maxSessions, isLight)
	return p, nil
}

// ServerPort returns the server half.
func (p *KPort) ServerPort() *KServerPort { return &p.server }

// ClientPort returns the client half.
func (p *KPort) ClientPort() *KClientPort { return &p.client }

// Name returns the port's name.
func (p *KPort) Name() string { return p.name }

// IsLight returns true if the port creates light sessions.
func (p *KPort) IsLight() bool { return p.isLight }

// State returns the port's state.
func (p *KPort) State() PortState {
	k := p.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	return p.state
}

// TypeName implements kernel.AutoObject.TypeName.
func (p *KPort) TypeName() string { return "KPort" }

// DecRef implements refs.RefCounter.DecRef.
func (p *KPort) DecRef() {
	p.DecRefWithDestructor(func() {
		log.Debugf("Port %q destroyed", p.name)
		p.objs.Ports.Free(p)
	})
}

func (p *KPort) onClientClosed() {
	k := p.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	if p.state == PortStateNormal {
		p.state = PortStateClientClosed
	}
}

func (p *KPort) onServerClosed() {
	k := p.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	if p.state == PortStateNormal {
		p.state = PortStateServerClosed
		p.client.NotifyAvailable(nil)
	}
}

// enqueueSession hands a new session to the server port. It fails with
// ErrPortClosed once either half is closed.
func (p *KPort) enqueueSession(s *KServerSession) error {
	k := p.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	if p.state != PortStateNormal {
		return kernerr.ErrPortClosed
	}
	p.server.sessions.PushBack(s)
	if p.server.sessions.Len() == 1 {
		p.server.NotifyAvailable(nil)
	}
	return nil
}

func (p *KPort) enqueueLightSession(s *KLightServerSession) error {
	k := p.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	if p.state != PortStateNormal {
		return kernerr.ErrPortClosed
	}
	p.server.lightSessions.PushBack(s)
	if p.server.lightSessions.Len() == 1 {
		p.server.NotifyAvailable(nil)
	}
	return nil
}

// KServerPort is the half of a port that accepts sessions.
type KServerPort struct {
	refs.AtomicRefCount
	kernel.SynchronizationObject

	parent *KPort

	// The following fields are protected by the scheduler lock. Each queued
	// session holds the reference CreateSession gave it.
	sessions      ilist.List[*KServerSession]
	lightSessions ilist.List[*KLightServerSession]
}

// Parent returns the port.
func (s *KServerPort) Parent() *KPort { return s.parent }

// TypeName implements kernel.AutoObject.TypeName.
func (s *KServerPort) TypeName() string { return "KServerPort" }

// DecRef implements refs.RefCounter.DecRef. Closing the last reference
// closes every session not yet accepted.
func (s *KServerPort) DecRef() {
	s.DecRefWithDestructor(s.destroy)
}

func (s *KServerPort) destroy() {
	s.parent.onServerClosed()
	s.cleanupSessions()
	s.parent.DecRef()
}

func (s *KServerPort) cleanupSessions() {
	k := s.parent.objs.k
	for {
		k.Scheduler().Lock(nil)
		session := s.sessions.PopFront()
		light := s.lightSessions.PopFront()
		k.Scheduler().Unlock(nil)
		if session == nil && light == nil {
			return
		}
		if session != nil {
			session.DecRef()
		}
		if light != nil {
			light.DecRef()
		}
	}
}

// IsSignaled implements kernel.Signaler.IsSignaled.
//
// Preconditions: The scheduler lock is held.
func (s *KServerPort) IsSignaled() bool {
	if s.parent.isLight {
		return !s.lightSessions.Empty()
	}
	return !s.sessions.Empty()
}

// Wait blocks t until a session is ready to accept.
func (s *KServerPort) Wait(t *kernel.Thread, timeout int64) error {
	return s.WaitSignaled(t, s, timeout)
}

// AcceptSession returns the oldest pending session, or nil. The caller
// receives the session's reference.
func (s *KServerPort) AcceptSession() *KServerSession {
	k := s.parent.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	return s.sessions.PopFront()
}

// AcceptLightSession is AcceptSession for light sessions.
func (s *KServerPort) AcceptLightSession() *KLightServerSession {
	k := s.parent.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	return s.lightSessions.PopFront()
}

// KClientPort is the half of a port that creates sessions.
type KClientPort struct {
	refs.AtomicRefCount
	kernel.SynchronizationObject

	parent *KPort

	numSessions  atomic.Int32
	peakSessions atomic.Int32
	maxSessions  int32
}

// Parent returns the port.
func (c *KClientPort) Parent() *KPort { return c.parent }

// TypeName implements kernel.AutoObject.TypeName.
func (c *KClientPort) TypeName() string { return "KClientPort" }

// DecRef implements refs.RefCounter.DecRef.
func (c *KClientPort) DecRef() {
	c.DecRefWithDestructor(func() {
		c.parent.onClientClosed()
		c.parent.DecRef()
	})
}

// NumSessions returns the number of live sessions.
func (c *KClientPort) NumSessions() int32 { return c.numSessions.Load() }

// PeakSessions returns the highest number of live sessions observed.
func (c *KClientPort) PeakSessions() int32 { return c.peakSessions.Load() }

// MaxSessions returns the session limit.
func (c *KClientPort) MaxSessions() int32 { return c.maxSessions }

// IsSignaled implements kernel.Signaler.IsSignaled.
func (c *KClientPort) IsSignaled() bool {
	return c.numSessions.Load() < c.maxSessions
}

// Wait blocks t until the port can create another session.
func (c *KClientPort) Wait(t *kernel.Thread, timeout int64) error {
	return c.WaitSignaled(t, c, timeout)
}

// incrementSessions counts a new session, failing with ErrOutOfSessions at
// the limit, and raises the peak.
func (c *KClientPort) incrementSessions() error {
	var n int32
	for {
		cur := c.numSessions.Load()
		if cur >= c.maxSessions {
			return kernerr.ErrOutOfSessions
		}
		n = cur + 1
		if c.numSessions.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		peak := c.peakSessions.Load()
		if peak >= n || c.peakSessions.CompareAndSwap(peak, n) {
			return nil
		}
	}
}

// onSessionFinalized uncounts a session, waking threads waiting for the
// port to accept sessions again.
func (c *KClientPort) onSessionFinalized() {
	if prev := c.numSessions.Add(-1) + 1; prev == c.maxSessions {
		k := c.parent.objs.k
		k.Scheduler().Lock(nil)
		c.NotifyAvailable(nil)
		k.Scheduler().Unlock(nil)
	}
}

// sessionReservation is the outcome of the accounting CreateSession and
// CreateLightSession share.
type sessionReservation struct {
	r *limits.ScopedReservation
}

// commit keeps the reservation.
func (sr sessionReservation) commit() {
	if sr.r != nil {
		sr.r.Commit()
	}
}

// release returns an uncommitted reservation.
func (sr sessionReservation) release() {
	if sr.r != nil {
		sr.r.Release()
	}
}

// allocateSession reserves a session from p's resource limit, allocates the
// session object from h and counts it against the port.
//
// When p's limit is exhausted, p is a system process and dynamic resource
// limits are enabled, the object is carved from unused slab memory and the
// system limit is raised to account for it. On success the caller must
// commit or release the returned reservation.
func allocateSession[T any](c *KClientPort, p *kernel.Process, h *slab.Heap[T]) (*T, sessionReservation, error) {
	o := c.parent.objs
	var (
		obj *T
		sr  sessionReservation
	)
	r := limits.NewScopedReservation(p.ResourceLimit(), limits.Sessions, 1)
	switch {
	case r.Succeeded():
		sr.r = r
		if obj = h.Allocate(); obj == nil {
			r.Release()
			return nil, sr, kernerr.ErrOutOfResource
		}
	case o.allocateDynamic(p):
		if obj = h.AllocateFromUnused(o.unused); obj == nil {
			return nil, sr, kernerr.ErrLimitReached
		}
		if err := o.k.SystemResourceLimit().Add(limits.Sessions, 1); err != nil {
			h.Free(obj)
			return nil, sr, err
		}
		log.Debugf("Session for %v allocated from unused slab memory", p.Name())
	default:
		return nil, sr, kernerr.ErrLimitReached
	}

	cu := cleanup.Make(func() {
		h.Free(obj)
		if sr.r != nil {
			sr.r.Release()
		} else {
			p.ResourceLimit().Release(limits.Sessions, 1)
		}
	})
	defer cu.Clean()

	if err := c.incrementSessions(); err != nil {
		return nil, sr, err
	}
	cu.Release()
	return obj, sr, nil
}

// CreateSession creates a session on behalf of p and enqueues its server
// half on the port. The caller owns the returned client half's reference.
func (c *KClientPort) CreateSession(p *kernel.Process) (*KClientSession, error) {
	if c.parent.isLight {
		return nil, kernerr.ErrInvalidState
	}
	s, sr, err := allocateSession(c, p, &c.parent.objs.Sessions)
	if err != nil {
		return nil, err
	}
	// From here on, closing both halves unwinds everything.
	s.initialize(c, p)
	sr.commit()

	if err := c.parent.enqueueSession(&s.server); err != nil {
		s.client.DecRef()
		s.server.DecRef()
		return nil, err
	}
	return &s.client, nil
}

// CreateLightSession is CreateSession for light ports.
func (c *KClientPort) CreateLightSession(p *kernel.Process) (*KLightClientSession, error) {
	if !c.parent.isLight {
		return nil, kernerr.ErrInvalidState
	}
	s, sr, err := allocateSession(c, p, &c.parent.objs.LightSessions)
	if err != nil {
		return nil, err
	}
	s.initialize(c, p)
	sr.commit()

	if err := c.parent.enqueueLightSession(&s.server); err != nil {
		s.client.DecRef()
		s.server.DecRef()
		return nil, err
	}
	return &s.client, nil
}
