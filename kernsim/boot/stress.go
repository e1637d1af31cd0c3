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

package boot

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/metric"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel/arbiter"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel/ipc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
)

// stressPriority is the priority of stress threads.
const stressPriority = 44

// arbiterWaitTimeout bounds each arbiter wait so waiters notice the end of
// the run.
const arbiterWaitTimeout = int64(time.Millisecond)

// StressArgs configure a stress run.
type StressArgs struct {
	// Allocators is the number of page allocation workers.
	Allocators int

	// ArbiterPairs is the number of waiter/signaler pairs sharing a word.
	ArbiterPairs int

	// Sessions is the number of session client/server pairs.
	Sessions int

	// LightSessions is the number of light session client/server pairs.
	LightSessions int

	// MaxPages bounds the size of one page allocation.
	MaxPages uint64
}

// StressResult counts completed operations per worker kind.
type StressResult struct {
	Allocations    int64
	ArbiterWaits   int64
	ArbiterSignals int64
	Requests       int64
	LightRequests  int64
}

// Add records the result in s.
func (r *StressResult) Add(s *metric.Snapshot) {
	for kind, n := range map[string]int64{
		"allocation":     r.Allocations,
		"arbiter_wait":   r.ArbiterWaits,
		"arbiter_signal": r.ArbiterSignals,
		"request":        r.Requests,
		"light_request":  r.LightRequests,
	} {
		s.Add(metric.StressOperations, map[string]string{"kind": kind}, float64(n))
	}
}

type stressCounters struct {
	allocations    atomic.Int64
	arbiterWaits   atomic.Int64
	arbiterSignals atomic.Int64
	requests       atomic.Int64
	lightRequests  atomic.Int64
}

// conservation is the state a stress run must leave unchanged.
type conservation struct {
	free    [pgalloc.PoolCount]uint64
	used    [limits.LimitTypeCount]int64
	objects [4]int64
}

func (m *Machine) conservation() conservation {
	var c conservation
	for pool := range c.free {
		c.free[pool] = m.mm.GetFreeSize(pgalloc.Pool(pool))
	}
	for which := range c.used {
		c.used[which] = m.system.GetCurrentValue(limits.LimitType(which))
	}
	c.objects = [4]int64{m.objs.Ports.GetUsed(), m.objs.Sessions.GetUsed(), m.objs.LightSessions.GetUsed(), m.objs.Requests.GetUsed()}
	return c
}

// Stress runs concurrent page allocation, address arbitration and session
// workers until ctx is done, then verifies that every page, limit unit and
// kernel object taken during the run was returned.
func (m *Machine) Stress(ctx context.Context, args StressArgs) (*StressResult, error) {
	if args.MaxPages == 0 {
		args.MaxPages = 16
	}
	before := m.conservation()

	proc, err := m.NewProcess(ProcessArgs{Name: "stress", Pool: pgalloc.PoolSystem, NumPages: 1})
	if err != nil {
		return nil, fmt.Errorf("creating stress process: %w", err)
	}
	arb := arbiter.New(m.k, proc.Memory())

	var (
		c       stressCounters
		threads []*kernel.Thread
	)
	newThread := func() (*kernel.Thread, error) {
		t, err := m.k.NewThread(proc.Process, stressPriority)
		if err == nil {
			threads = append(threads, t)
		}
		return t, err
	}

	g, gctx := errgroup.WithContext(ctx)
	actx := pgalloc.WithMemoryManager(gctx, m.mm)
	runErr := func() error {
		for i := 0; i < args.Allocators; i++ {
			rng := m.NewRNG()
			pool := pgalloc.Pool(i % int(pgalloc.PoolCount))
			if m.mm.GetSize(pool) == 0 {
				pool = pgalloc.PoolSystem
			}
			g.Go(func() error { return allocator(actx, rng, pool, args.MaxPages, &c) })
		}

		for i := 0; i < args.ArbiterPairs; i++ {
			addr := proc.Word(i)
			waiter, err := newThread()
			if err != nil {
				return err
			}
			g.Go(func() error { return arbiterWaiter(gctx, arb, proc, waiter, addr, &c) })
			g.Go(func() error { return arbiterSignaler(gctx, arb, proc, addr, &c) })
		}

		for i := 0; i < args.Sessions; i++ {
			client, err := newThread()
			if err != nil {
				return err
			}
			server, err := newThread()
			if err != nil {
				return err
			}
			if err := m.sessionPair(gctx, g, proc, client, server, &c); err != nil {
				return err
			}
		}

		for i := 0; i < args.LightSessions; i++ {
			client, err := newThread()
			if err != nil {
				return err
			}
			server, err := newThread()
			if err != nil {
				return err
			}
			if err := m.lightSessionPair(gctx, g, proc, client, server, &c); err != nil {
				return err
			}
		}
		return nil
	}()
	if runErr != nil {
		// Stop the workers already started.
		g.Go(func() error { return runErr })
	}
	err = g.Wait()

	for _, t := range threads {
		t.Exit()
	}
	proc.Release()
	if err != nil {
		return nil, err
	}

	if n := arb.NumWaiters(); n != 0 {
		return nil, fmt.Errorf("%d arbiter waiters remain", n)
	}
	if after := m.conservation(); after != before {
		return nil, fmt.Errorf("state not restored after stress: before %+v, after %+v", before, after)
	}
	r := &StressResult{
		Allocations:    c.allocations.Load(),
		ArbiterWaits:   c.arbiterWaits.Load(),
		ArbiterSignals: c.arbiterSignals.Load(),
		Requests:       c.requests.Load(),
		LightRequests:  c.lightRequests.Load(),
	}
	log.Infof("Stress: %+v", *r)
	return r, nil
}

// allocator repeatedly allocates and frees up to maxPages pages from pool of
// the MemoryManager carried by ctx.
func allocator(ctx context.Context, rng *rand.BitGenerator, pool pgalloc.Pool, maxPages uint64, c *stressCounters) error {
	mm := pgalloc.MemoryManagerFromContext(ctx)
	for ctx.Err() == nil {
		n := 1 + rng.Uint64N(maxPages)
		pg := mm.NewPageGroup(int(n))
		dir := pgalloc.Direction(rng.Bit())
		if err := mm.AllocateAndOpen(pg, n, pgalloc.EncodeOption(pool, dir)); err != nil {
			if err == kernerr.ErrOutOfMemory {
				continue
			}
			return fmt.Errorf("allocating %d pages from %v: %w", n, pool, err)
		}
		if got := pg.GetNumPages(); got != n {
			return fmt.Errorf("allocated %d pages, want %d", got, n)
		}
		pg.Close()
		pg.Finalize()
		c.allocations.Add(1)
	}
	return nil
}

func arbiterWaiter(ctx context.Context, arb *arbiter.AddressArbiter, proc *Process, t *kernel.Thread, addr hostarch.Addr, c *stressCounters) error {
	for ctx.Err() == nil {
		v, ok := proc.Memory().LoadWord(addr)
		if !ok {
			return fmt.Errorf("loading %v failed", addr)
		}
		switch err := arb.WaitIfEqual(t, addr, v, arbiterWaitTimeout); err {
		case nil, kernerr.ErrTimedOut, kernerr.ErrInvalidState:
			c.arbiterWaits.Add(1)
		default:
			return fmt.Errorf("WaitIfEqual(%v, %d): %w", addr, v, err)
		}
	}
	return nil
}

func arbiterSignaler(ctx context.Context, arb *arbiter.AddressArbiter, proc *Process, addr hostarch.Addr, c *stressCounters) error {
	for i := 0; ctx.Err() == nil; i++ {
		v, ok := proc.Memory().LoadWord(addr)
		if !ok {
			return fmt.Errorf("loading %v failed", addr)
		}
		var err error
		switch i % 3 {
		case 0:
			err = arb.Signal(addr, 1)
		case 1:
			err = arb.SignalAndIncrementIfEqual(addr, v, 1)
		case 2:
			err = arb.SignalAndModifyByWaitingCountIfEqual(addr, v, -1)
		}
		switch err {
		case nil, kernerr.ErrInvalidState:
			c.arbiterSignals.Add(1)
		default:
			return fmt.Errorf("signaling %v: %w", addr, err)
		}
		// Give the waiter a chance to block again.
		runtime.Gosched()
	}
	return nil
}

func (m *Machine) sessionPair(ctx context.Context, g *errgroup.Group, proc *Process, client, server *kernel.Thread, c *stressCounters) error {
	port, err := m.objs.CreatePort(1, false, "stress")
	if err != nil {
		return err
	}
	cs, err := port.ClientPort().CreateSession(proc.Process)
	if err != nil {
		port.ClientPort().DecRef()
		port.ServerPort().DecRef()
		return err
	}
	ss := port.ServerPort().AcceptSession()
	port.ClientPort().DecRef()
	port.ServerPort().DecRef()

	g.Go(func() error {
		defer ss.DecRef()
		for {
			switch err := ss.Wait(server, -1); err {
			case nil:
			case kernerr.ErrSessionClosed:
				return nil
			default:
				return fmt.Errorf("waiting for a request: %w", err)
			}
			msg, _, err := ss.ReceiveRequest()
			switch err {
			case nil:
			case kernerr.ErrNotFound:
				continue
			case kernerr.ErrSessionClosed:
				return nil
			default:
				return fmt.Errorf("receiving a request: %w", err)
			}
			reply := make([]uint32, len(msg))
			for i, w := range msg {
				reply[i] = ^w
			}
			if err := ss.SendReply(reply); err != nil && err != kernerr.ErrSessionClosed {
				return fmt.Errorf("replying: %w", err)
			}
		}
	})
	g.Go(func() error {
		defer cs.DecRef()
		for i := uint32(0); ctx.Err() == nil; i++ {
			reply, err := cs.SendSyncRequest(client, []uint32{i, i + 1})
			if err != nil {
				return fmt.Errorf("sending a request: %w", err)
			}
			if len(reply) != 2 || reply[0] != ^i || reply[1] != ^(i+1) {
				return fmt.Errorf("request %d got reply %v", i, reply)
			}
			c.requests.Add(1)
		}
		return nil
	})
	return nil
}

func (m *Machine) lightSessionPair(ctx context.Context, g *errgroup.Group, proc *Process, client, server *kernel.Thread, c *stressCounters) error {
	port, err := m.objs.CreatePort(1, true, "stress-lt")
	if err != nil {
		return err
	}
	cs, err := port.ClientPort().CreateLightSession(proc.Process)
	if err != nil {
		port.ClientPort().DecRef()
		port.ServerPort().DecRef()
		return err
	}
	ss := port.ServerPort().AcceptLightSession()
	port.ClientPort().DecRef()
	port.ServerPort().DecRef()

	g.Go(func() error {
		defer ss.DecRef()
		var data ipc.LightSessionData
		for {
			switch err := ss.ReplyAndReceive(server, &data); err {
			case nil:
			case kernerr.ErrSessionClosed:
				return nil
			default:
				return fmt.Errorf("ReplyAndReceive: %w", err)
			}
			data[0] = ipc.ReplyFlag | (data[0] + 1)
		}
	})
	g.Go(func() error {
		defer cs.DecRef()
		for i := uint32(0); ctx.Err() == nil; i++ {
			data := ipc.LightSessionData{i &^ ipc.ReplyFlag}
			if err := cs.SendSyncRequest(client, &data); err != nil {
				return fmt.Errorf("sending a light request: %w", err)
			}
			if want := (i&^ipc.ReplyFlag + 1) &^ ipc.ReplyFlag; data[0]&^ipc.ReplyFlag != want {
				return fmt.Errorf("light request %d got reply %#x", i, data[0])
			}
			c.lightRequests.Add(1)
		}
		return nil
	})
	return nil
}
