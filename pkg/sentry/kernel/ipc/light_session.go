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
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ilist"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/refs"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
)

// noServerThread marks a light server session with no current request.
const noServerThread = ^uint64(0)

// KLightSession couples a light client session and a light server session.
// Requests carry LightSessionData through the threads' buffers.
type KLightSession struct {
	refs.AtomicRefCount
	sessionCommon

	server KLightServerSession
	client KLightClientSession
}

func (s *KLightSession) initialize(port *KClientPort, owner *kernel.Process) {
	s.Init()
	s.IncRef()
	s.sessionCommon.initialize(port, owner)
	s.server.Init()
	s.server.parent = s
	s.server.requestQueue.s = &s.server
	s.server.serverQueue.s = &s.server
	s.server.serverThreadID = noServerThread
	s.client.Init()
	s.client.parent = s
}

// ServerSession returns the server half.
func (s *KLightSession) ServerSession() *KLightServerSession { return &s.server }

// ClientSession returns the client half.
func (s *KLightSession) ClientSession() *KLightClientSession { return &s.client }

// TypeName implements kernel.AutoObject.TypeName.
func (s *KLightSession) TypeName() string { return "KLightSession" }

// DecRef implements refs.RefCounter.DecRef.
func (s *KLightSession) DecRef() {
	s.DecRefWithDestructor(func() {
		s.finalize()
		log.Debugf("Light session on %q destroyed", s.name)
		s.objs.LightSessions.Free(s)
	})
}

func (s *KLightSession) onClientClosed() {
	if s.close(SessionStateClientClosed) {
		s.server.cleanupRequests()
	}
}

func (s *KLightSession) onServerClosed() {
	if s.close(SessionStateServerClosed) {
		s.server.cleanupRequests()
	}
}

// KLightClientSession is the half of a light session that sends requests.
type KLightClientSession struct {
	refs.AtomicRefCount

	parent *KLightSession
}

// Parent returns the session.
func (c *KLightClientSession) Parent() *KLightSession { return c.parent }

// TypeName implements kernel.AutoObject.TypeName.
func (c *KLightClientSession) TypeName() string { return "KLightClientSession" }

// DecRef implements refs.RefCounter.DecRef.
func (c *KLightClientSession) DecRef() {
	c.DecRefWithDestructor(func() {
		c.parent.onClientClosed()
		c.parent.DecRef()
	})
}

// SendSyncRequest sends data and blocks t until the server replies, leaving
// the reply in data.
func (c *KLightClientSession) SendSyncRequest(t *kernel.Thread, data *LightSessionData) error {
	c.IncRef()
	defer c.DecRef()

	*t.LightSessionData() = *data
	if err := c.parent.server.onRequest(t); err != nil {
		return err
	}
	*data = *t.LightSessionData()
	return nil
}

// lightRequestQueue is the queue requesting threads wait on.
type lightRequestQueue struct {
	kernel.ThreadQueue
	s *KLightServerSession
}

// CancelWait implements kernel.WaitQueue.CancelWait.
func (q *lightRequestQueue) CancelWait(t *kernel.Thread, result error, cancelTimer bool) {
	q.s.requests.Remove(t)
	q.ThreadQueue.CancelWait(t, result, cancelTimer)
}

// lightServerQueue is the queue a receiving server thread waits on.
type lightServerQueue struct {
	kernel.ThreadQueue
	s *KLightServerSession
}

// CancelWait implements kernel.WaitQueue.CancelWait.
func (q *lightServerQueue) CancelWait(t *kernel.Thread, result error, cancelTimer bool) {
	if q.s.serverThread == t {
		q.s.serverThread = nil
	}
	q.ThreadQueue.CancelWait(t, result, cancelTimer)
}

// KLightServerSession is the half of a light session that answers requests.
type KLightServerSession struct {
	refs.AtomicRefCount
	ilist.Entry[*KLightServerSession]

	parent *KLightSession

	requestQueue lightRequestQueue
	serverQueue  lightServerQueue

	// The following fields are protected by the scheduler lock.

	// requests holds the threads waiting for a reply, oldest first. The
	// current request stays queued until it is answered.
	requests ilist.List[*kernel.Thread]

	// current is the request being served, and serverThreadID the thread
	// serving it.
	current        *kernel.Thread
	serverThreadID uint64

	// serverThread is the thread blocked in ReplyAndReceive, if any.
	serverThread *kernel.Thread
}

// Parent returns the session.
func (s *KLightServerSession) Parent() *KLightSession { return s.parent }

// TypeName implements kernel.AutoObject.TypeName.
func (s *KLightServerSession) TypeName() string { return "KLightServerSession" }

// DecRef implements refs.RefCounter.DecRef.
func (s *KLightServerSession) DecRef() {
	s.DecRefWithDestructor(func() {
		s.parent.onServerClosed()
		s.parent.DecRef()
	})
}

// onRequest queues t and blocks it until it is answered.
func (s *KLightServerSession) onRequest(t *kernel.Thread) error {
	k := s.parent.objs.k
	sl := k.LockAndSleep(t, -1)
	if s.parent.isClosed() {
		sl.CancelSleep()
		sl.Unlock()
		return kernerr.ErrSessionClosed
	}
	if t.IsTerminationRequested() {
		sl.CancelSleep()
		sl.Unlock()
		return kernerr.ErrTerminationRequested
	}
	s.requests.PushBack(t)
	t.BeginWait(&s.requestQueue)
	if st := s.serverThread; st != nil {
		s.serverThread = nil
		st.EndWait(nil)
	}
	sl.Unlock()
	return t.WaitResult()
}

// waitingOnRequest reports whether t is still blocked in a request on s.
//
// Preconditions: The scheduler lock is held.
func (s *KLightServerSession) waitingOnRequest(t *kernel.Thread) bool {
	return t.IsWaiting() && t.WaitQueue() == kernel.WaitQueue(&s.requestQueue)
}

// ReplyAndReceive answers the current request if data[0] has ReplyFlag set,
// then blocks t until the next request arrives and copies it into data.
//
// The wait fails with ErrSessionClosed when either half closes, and may be
// interrupted by termination or WaitCancel.
func (s *KLightServerSession) ReplyAndReceive(t *kernel.Thread, data *LightSessionData) error {
	k := s.parent.objs.k
	*t.LightSessionData() = *data

	if data[0]&ReplyFlag != 0 {
		k.Scheduler().Lock(t)
		if s.parent.isClosed() {
			k.Scheduler().Unlock(t)
			return kernerr.ErrSessionClosed
		}
		if s.current == nil || s.serverThreadID != t.ID() {
			k.Scheduler().Unlock(t)
			return kernerr.ErrInvalidState
		}
		if cur := s.current; s.waitingOnRequest(cur) {
			*cur.LightSessionData() = *t.LightSessionData()
			s.requests.Remove(cur)
			cur.EndWait(nil)
		}
		s.current = nil
		s.serverThreadID = noServerThread
		k.Scheduler().Unlock(t)
	}

	for {
		sl := k.LockAndSleep(t, -1)
		if s.serverThread != nil {
			sl.CancelSleep()
			sl.Unlock()
			return kernerr.ErrInvalidState
		}
		if s.parent.isClosed() {
			sl.CancelSleep()
			sl.Unlock()
			return kernerr.ErrSessionClosed
		}
		if t.IsTerminationRequested() {
			sl.CancelSleep()
			sl.Unlock()
			return kernerr.ErrTerminationRequested
		}
		if head := s.requests.Front(); s.current == nil && head != nil {
			s.current = head
			s.serverThreadID = t.ID()
			*t.LightSessionData() = *head.LightSessionData()
			*data = *t.LightSessionData()
			sl.CancelSleep()
			sl.Unlock()
			return nil
		}
		if t.IsWaitCancelled() {
			t.ClearWaitCancelled()
			sl.CancelSleep()
			sl.Unlock()
			return kernerr.ErrCancelled
		}
		t.SetCancellable()
		s.serverThread = t
		t.BeginWait(&s.serverQueue)
		sl.Unlock()

		k.Scheduler().Lock(t)
		t.ClearCancellable()
		k.Scheduler().Unlock(t)
		if err := t.WaitResult(); err != nil {
			return err
		}
	}
}

// cleanupRequests fails the current and every queued request, and the
// waiting server thread, with ErrSessionClosed.
func (s *KLightServerSession) cleanupRequests() {
	k := s.parent.objs.k
	k.Scheduler().Lock(nil)
	defer k.Scheduler().Unlock(nil)

	if cur := s.current; cur != nil {
		if s.waitingOnRequest(cur) {
			s.requests.Remove(cur)
			cur.EndWait(kernerr.ErrSessionClosed)
		}
		s.current = nil
		s.serverThreadID = noServerThread
	}
	for t := s.requests.PopFront(); t != nil; t = s.requests.PopFront() {
		t.EndWait(kernerr.ErrSessionClosed)
	}
	if st := s.serverThread; st != nil {
		s.serverThread = nil
		st.EndWait(kernerr.ErrSessionClosed)
	}
}
