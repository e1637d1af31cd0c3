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
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ilist"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/refs"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
)

// SessionState is the lifecycle state of a session.
type SessionState int32

// Session states. A session is closed, from both sides' point of view, as
// soon as it leaves SessionStateNormal.
const (
	SessionStateInvalid SessionState = iota
	SessionStateNormal
	SessionStateClientClosed
	SessionStateServerClosed
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case SessionStateInvalid:
		return "Invalid"
	case SessionStateNormal:
		return "Normal"
	case SessionStateClientClosed:
		return "ClientClosed"
	case SessionStateServerClosed:
		return "ServerClosed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// sessionCommon is the state KSession and KLightSession share.
type sessionCommon struct {
	objs  *Objects
	state atomic.Int32

	// port is the client port the session was created on. The session holds
	// a reference on it.
	port *KClientPort

	// owner is charged one Sessions unit for the session's lifetime.
	owner *kernel.Process
	name  string
}

func (c *sessionCommon) initialize(port *KClientPort, owner *kernel.Process) {
	c.objs = port.parent.objs
	c.state.Store(int32(SessionStateNormal))
	port.IncRef()
	c.port = port
	c.owner = owner
	c.name = port.parent.name
}

// State returns the session's state.
func (c *sessionCommon) State() SessionState { return SessionState(c.state.Load()) }

// Name returns the name of the port the session was created on.
func (c *sessionCommon) Name() string { return c.name }

func (c *sessionCommon) isClosed() bool {
	return c.State() != SessionStateNormal
}

// close moves the session out of SessionStateNormal, reporting whether this
// call did so.
func (c *sessionCommon) close(to SessionState) bool {
	return c.state.CompareAndSwap(int32(SessionStateNormal), int32(to))
}

func (c *sessionCommon) finalize() {
	c.port.onSessionFinalized()
	c.port.DecRef()
	c.owner.ResourceLimit().Release(limits.Sessions, 1)
}

// KSession couples a client session and a server session. It holds one
// reference per open half.
type KSession struct {
	refs.AtomicRefCount
	sessionCommon

	server KServerSession
	client KClientSession
}

func (s *KSession) initialize(port *KClientPort, owner *kernel.Process) {
	s.Init()
	s.IncRef()
	s.sessionCommon.initialize(port, owner)
	s.server.Init()
	s.server.parent = s
	s.client.Init()
	s.client.parent = s
}

// ServerSession returns the server half.
func (s *KSession) ServerSession() *KServerSession { return &s.server }

// ClientSession returns the client half.
func (s *KSession) ClientSession() *KClientSession { return &s.client }

// TypeName implements kernel.AutoObject.TypeName.
func (s *KSession) TypeName() string { return "KSession" }

// DecRef implements refs.RefCounter.DecRef.
func (s *KSession) DecRef() {
	s.DecRefWithDestructor(func() {
		s.finalize()
		log.Debugf("Session on %q destroyed", s.name)
		s.objs.Sessions.Free(s)
	})
}

func (s *KSession) onClientClosed() {
	if s.close(SessionStateClientClosed) {
		s.server.onClientClosed()
	}
}

func (s *KSession) onServerClosed() {
	s.close(SessionStateServerClosed)
}

// SessionRequest is one synchronous request. The sending thread waits on the
// request until it is answered or the session closes.
type SessionRequest struct {
	kernel.ThreadQueue
	ilist.Entry[*SessionRequest]
	refs.AtomicRefCount

	objs *Objects

	// thread is the waiting client, or nil once it stopped waiting. It is
	// protected by the scheduler lock.
	thread *kernel.Thread

	message []uint32
	reply   []uint32
}

// CancelWait implements kernel.WaitQueue.CancelWait. The request stays
// queued; the server's reply is dropped.
func (r *SessionRequest) CancelWait(t *kernel.Thread, result error, cancelTimer bool) {
	r.thread = nil
	r.ThreadQueue.CancelWait(t, result, cancelTimer)
}

// DecRef implements refs.RefCounter.DecRef.
func (r *SessionRequest) DecRef() {
	r.DecRefWithDestructor(func() {
		r.objs.Requests.Free(r)
	})
}

// finishLocked ends the client's wait with result, if it is still waiting.
//
// Preconditions: The scheduler lock is held.
func (r *SessionRequest) finishLocked(result error) {
	if t := r.thread; t != nil {
		r.thread = nil
		t.EndWait(result)
	}
}

// sender describes the waiting client.
//
// Preconditions: The scheduler lock is held.
func (r *SessionRequest) sender() string {
	if r.thread == nil {
		return "gone"
	}
	return fmt.Sprintf("thread %d", r.thread.ID())
}

// KClientSession is the half of a session that sends requests.
type KClientSession struct {
	refs.AtomicRefCount

	parent *KSession
}

// Parent returns the session.
func (c *KClientSession) Parent() *KSession { return c.parent }

// TypeName implements kernel.AutoObject.TypeName.
func (c *KClientSession) TypeName() string { return "KClientSession" }

// DecRef implements refs.RefCounter.DecRef.
func (c *KClientSession) DecRef() {
	c.DecRefWithDestructor(func() {
		c.parent.onClientClosed()
		c.parent.DecRef()
	})
}

// SendSyncRequest sends msg and blocks t until the server replies, returning
// the reply. It fails with ErrSessionClosed if the server is gone or closes
// before replying.
func (c *KClientSession) SendSyncRequest(t *kernel.Thread, msg []uint32) ([]uint32, error) {
	c.IncRef()
	defer c.DecRef()

	o := c.parent.objs
	r := allocate(o, &o.Requests, o.allocateDynamic(t.Process()))
	if r == nil {
		return nil, kernerr.ErrOutOfResource
	}
	r.Init()
	r.objs = o
	r.thread = t
	r.message = slices.Clone(msg)
	defer r.DecRef()

	sl := o.k.LockAndSleep(t, -1)
	if err := c.parent.server.onRequestLocked(t, r); err != nil {
		sl.CancelSleep()
		sl.Unlock()
		return nil, err
	}
	sl.Unlock()

	if err := t.WaitResult(); err != nil {
		return nil, err
	}
	return r.reply, nil
}

// KServerSession is the half of a session that answers requests.
type KServerSession struct {
	refs.AtomicRefCount
	kernel.SynchronizationObject
	ilist.Entry[*KServerSession]

	parent *KSession

	// mu serializes receiving, replying and cleanup.
	mu sync.Mutex

	// The following fields are protected by the scheduler lock. Every
	// request in requests, and current, holds a reference.
	requests ilist.List[*SessionRequest]
	current  *SessionRequest
}

// Parent returns the session.
func (s *KServerSession) Parent() *KSession { return s.parent }

// TypeName implements kernel.AutoObject.TypeName.
func (s *KServerSession) TypeName() string { return "KServerSession" }

// DecRef implements refs.RefCounter.DecRef. Closing the last reference
// fails every outstanding request with ErrSessionClosed.
func (s *KServerSession) DecRef() {
	s.DecRefWithDestructor(func() {
		s.parent.onServerClosed()
		s.cleanupRequests()
		s.parent.DecRef()
	})
}

// onRequestLocked queues r and begins t's wait on it.
//
// Preconditions: The scheduler lock is held by t.
func (s *KServerSession) onRequestLocked(t *kernel.Thread, r *SessionRequest) error {
	if s.parent.isClosed() {
		return kernerr.ErrSessionClosed
	}
	if t.IsTerminationRequested() {
		return kernerr.ErrTerminationRequested
	}
	t.BeginWait(r)
	r.IncRef()
	wasEmpty := s.requests.Empty()
	s.requests.PushBack(r)
	if wasEmpty {
		s.NotifyAvailable(nil)
	}
	return nil
}

// IsSignaled implements kernel.Signaler.IsSignaled.
//
// Preconditions: The scheduler lock is held.
func (s *KServerSession) IsSignaled() bool {
	if s.parent.isClosed() {
		return true
	}
	return !s.requests.Empty() && s.current == nil
}

// Wait blocks t until a request can be received or the client closes.
func (s *KServerSession) Wait(t *kernel.Thread, timeout int64) error {
	return s.WaitSignaled(t, s, timeout)
}

// ReceiveRequest makes the oldest queued request current and returns its
// message and sender. It fails with ErrNotFound if a request is already
// current or none is queued, and with ErrSessionClosed once the client is
// gone.
func (s *KServerSession) ReceiveRequest() ([]uint32, *kernel.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.parent.objs.k
	var dropped []*SessionRequest
	defer func() {
		for _, r := range dropped {
			r.DecRef()
		}
	}()

	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)
	for {
		if s.parent.isClosed() {
			return nil, nil, kernerr.ErrSessionClosed
		}
		if s.current != nil {
			return nil, nil, kernerr.ErrNotFound
		}
		r := s.requests.PopFront()
		if r == nil {
			return nil, nil, kernerr.ErrNotFound
		}
		if r.thread == nil {
			// The sender stopped waiting.
			dropped = append(dropped, r)
			continue
		}
		s.current = r
		return r.message, r.thread, nil
	}
}

// SendReply answers the current request with reply. It fails with
// ErrInvalidState if no request is current, and with ErrSessionClosed if the
// client closed in the meantime, in which case the sender is failed the same
// way.
func (s *KServerSession) SendReply(reply []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.parent.objs.k
	k.Scheduler().Lock(nil)
	r := s.current
	if r == nil {
		k.Scheduler().Unlock(nil)
		return kernerr.ErrInvalidState
	}
	s.current = nil
	if !s.requests.Empty() {
		s.NotifyAvailable(nil)
	}

	var err error
	if s.parent.isClosed() {
		err = kernerr.ErrSessionClosed
	} else {
		r.reply = slices.Clone(reply)
	}
	r.finishLocked(err)
	k.Scheduler().Unlock(nil)

	r.DecRef()
	return err
}

// cleanupRequests fails the current and every queued request with
// ErrSessionClosed.
func (s *KServerSession) cleanupRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.parent.objs.k
	for {
		k.Scheduler().Lock(nil)
		r := s.current
		if r != nil {
			s.current = nil
		} else {
			r = s.requests.PopFront()
		}
		if r != nil {
			r.finishLocked(kernerr.ErrSessionClosed)
		}
		k.Scheduler().Unlock(nil)

		if r == nil {
			return
		}
		r.DecRef()
	}
}

// onClientClosed fails queued requests and wakes threads waiting on the
// server session with ErrSessionClosed. The current request stays current;
// replying to it reports the closure.
func (s *KServerSession) onClientClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.parent.objs.k
	var dropped []*SessionRequest
	k.Scheduler().Lock(nil)
	for r := s.requests.PopFront(); r != nil; r = s.requests.PopFront() {
		r.finishLocked(kernerr.ErrSessionClosed)
		dropped = append(dropped, r)
	}
	s.NotifyAvailable(kernerr.ErrSessionClosed)
	k.Scheduler().Unlock(nil)

	for _, r := range dropped {
		r.DecRef()
	}
}

// Dump logs the session's requests.
func (s *KServerSession) Dump() {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.parent.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)

	var b strings.Builder
	fmt.Fprintf(&b, "Session %q (%v):", s.parent.name, s.parent.State())
	if r := s.current; r != nil {
		fmt.Fprintf(&b, " current=%s", r.sender())
	}
	n := 0
	for r := s.requests.Front(); r != nil; r = r.Next() {
		fmt.Fprintf(&b, " req=%s", r.sender())
		n++
	}
	if s.current == nil && n == 0 {
		b.WriteString(" none")
	}
	log.Infof("%s", b.String())
}
