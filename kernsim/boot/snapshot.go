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
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/metric"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel/ipc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
)

// heapStats is the part of slab.Heap a snapshot reads.
type heapStats interface {
	GetSlabHeapSize() int
	GetUsed() int64
	GetPeak() int64
	GetDynamicCount() int
}

// Snapshot returns the machine's current statistics.
func (m *Machine) Snapshot() *metric.Snapshot {
	s := metric.NewSnapshot()
	for pool := pgalloc.Pool(0); pool < pgalloc.PoolCount; pool++ {
		if m.mm.GetSize(pool) == 0 {
			continue
		}
		labels := map[string]string{"pool": pool.String()}
		s.Add(metric.PoolSizeBytes, labels, float64(m.mm.GetSize(pool)))
		s.Add(metric.PoolFreeBytes, labels, float64(m.mm.GetFreeSize(pool)))
	}

	for _, h := range []struct {
		typ  slab.Type
		heap heapStats
	}{
		{slab.TypePort, &m.objs.Ports},
		{slab.TypeSession, &m.objs.Sessions},
		{slab.TypeLightSession, &m.objs.LightSessions},
		{slab.TypeSessionRequest, &m.objs.Requests},
	} {
		labels := map[string]string{"type": h.typ.String()}
		s.Add(metric.SlabObjectsCapacity, labels, float64(h.heap.GetSlabHeapSize()))
		s.Add(metric.SlabObjectsUsed, labels, float64(h.heap.GetUsed()))
		s.Add(metric.SlabObjectsPeak, labels, float64(h.heap.GetPeak()))
		s.Add(metric.SlabObjectsDynamic, labels, float64(h.heap.GetDynamicCount()))
	}
	s.Add(metric.UnusedSlabFreeBytes, nil, float64(m.unused.FreeSize()))

	for which := limits.LimitType(0); which < limits.LimitTypeCount; which++ {
		labels := map[string]string{"resource": which.String()}
		s.Add(metric.ResourceLimitValue, labels, float64(m.system.GetLimitValue(which)))
		s.Add(metric.ResourceLimitCurrent, labels, float64(m.system.GetCurrentValue(which)))
		s.Add(metric.ResourceLimitPeak, labels, float64(m.system.GetPeakValue(which)))
	}

	m.objs.Names().ForAllObjects(func(name string, port *ipc.KClientPort) {
		s.Add(metric.PortSessionsPeak, map[string]string{"port": name}, float64(port.PeakSessions()))
	})
	return s
}
