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

package ipc

import (
	"sort"
	"sync"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
)

// objectName binds a name to a client port. It holds a reference on the
// port.
type objectName struct {
	name string
	port *KClientPort
}

// Registry maps names to client ports, so that processes holding no handle
// to a port can still connect to it. Each binding occupies one slab object.
type Registry struct {
	mu sync.Mutex

	// entries is the heap bindings are allocated from. Immutable after init.
	entries slab.Heap[objectName]

	// byName maps a name to its binding. Protected by mu.
	byName map[string]*objectName
}

func (r *Registry) init(addr hostarch.Addr, count int) {
	r.entries.Initialize(addr, count)
	r.byName = make(map[string]*objectName)
}

// Register binds name to port, taking a reference on port. It fails with
// ErrOutOfRange if name is too long, ErrInvalidState if name is already
// bound and ErrOutOfResource if no binding can be allocated.
func (r *Registry) Register(name string, port *KClientPort) error {
	if len(name) > NameLengthMax {
		return kernerr.ErrOutOfRange
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return kernerr.ErrInvalidState
	}
	e := r.entries.Allocate()
	if e == nil {
		log.Warningf("Name heap exhausted registering %q", name)
		return kernerr.ErrOutOfResource
	}
	port.IncRef()
	e.name = name
	e.port = port
	r.byName[name] = e
	return nil
}

// Find returns the port bound to name with a new reference, or ErrNotFound.
func (r *Registry) Find(name string) (*KClientPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok || !e.port.TryIncRef() {
		return nil, kernerr.ErrNotFound
	}
	return e.port, nil
}

// Remove unbinds name, which must be bound to port. It fails with
// ErrNotFound otherwise.
func (r *Registry) Remove(name string, port *KClientPort) error {
	r.mu.Lock()
	e, ok := r.byName[name]
	if !ok || e.port != port {
		r.mu.Unlock()
		return kernerr.ErrNotFound
	}
	delete(r.byName, name)
	r.entries.Free(e)
	r.mu.Unlock()

	port.DecRef()
	return nil
}

// ForAllObjects calls f for every binding in name order.
func (r *Registry) ForAllObjects(f func(name string, port *KClientPort)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f(name, r.byName[name].port)
	}
}

// ObjectCount returns the number of bindings.
func (r *Registry) ObjectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// CreateNamedPort creates a port and binds its client half to name. The
// caller receives the server port; the registry keeps the client port.
func (o *Objects) CreateNamedPort(name string, maxSessions int32) (*KServerPort, error) {
	p, err := o.CreatePort(maxSessions, false, name)
	if err != nil {
		return nil, err
	}
	c := p.ClientPort()
	if err := o.names.Register(name, c); err != nil {
		c.DecRef()
		p.ServerPort().DecRef()
		return nil, err
	}
	c.DecRef()
	return p.ServerPort(), nil
}

// ConnectToNamedPort creates a session on the port bound to name, owned by
// the calling thread's process.
func (o *Objects) ConnectToNamedPort(t *kernel.Thread, name string) (*KClientSession, error) {
	c, err := o.names.Find(name)
	if err != nil {
		return nil, err
	}
	defer c.DecRef()
	return c.CreateSession(t.Process())
}
