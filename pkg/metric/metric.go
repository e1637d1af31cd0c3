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

// Package metric provides point-in-time snapshots of kernel statistics and
// exports them in the Prometheus text exposition format.
package metric

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// ErrDuplicate indicates that a snapshot holds two values for the same
// metric and labels.
var ErrDuplicate = errors.New("duplicate metric data point")

// Type is a metric type.
type Type int

// List of supported metric types.
const (
	TypeGauge = Type(iota)
	TypeCounter
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Metric is metric metadata.
type Metric struct {
	// Name is the metric name, without the exporter prefix.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help explains what the metric is about.
	Help string `json:"help"`
}

// Kernel metrics.
var (
	PoolSizeBytes = &Metric{
		Name: "pool_size_bytes",
		Help: "Bytes of physical memory managed for the pool.",
	}
	PoolFreeBytes = &Metric{
		Name: "pool_free_bytes",
		Help: "Bytes of physical memory free in the pool.",
	}
	SlabObjectsCapacity = &Metric{
		Name: "slab_objects_capacity",
		Help: "Objects the slab heap can hold.",
	}
	SlabObjectsUsed = &Metric{
		Name: "slab_objects_used",
		Help: "Objects currently allocated from the slab heap.",
	}
	SlabObjectsPeak = &Metric{
		Name: "slab_objects_peak",
		Help: "Most objects ever allocated from the slab heap at once.",
	}
	SlabObjectsDynamic = &Metric{
		Name: "slab_objects_dynamic",
		Help: "Objects currently allocated from unused slab memory.",
	}
	UnusedSlabFreeBytes = &Metric{
		Name: "unused_slab_free_bytes",
		Help: "Bytes of unused slab memory available for dynamic objects.",
	}
	ResourceLimitCurrent = &Metric{
		Name: "resource_limit_current",
		Help: "Amount of the resource in use under the system resource limit.",
	}
	ResourceLimitPeak = &Metric{
		Name: "resource_limit_peak",
		Help: "Peak amount of the resource in use under the system resource limit.",
	}
	ResourceLimitValue = &Metric{
		Name: "resource_limit_value",
		Help: "The system resource limit for the resource.",
	}
	PortSessionsPeak = &Metric{
		Name: "port_sessions_peak",
		Help: "Most sessions ever open at once on the port.",
	}
	StressOperations = &Metric{
		Name: "stress_operations_total",
		Type: TypeCounter,
		Help: "Operations completed by stress workers.",
	}
)

// Data is one value of a metric.
type Data struct {
	// Metric is the metric the value belongs to.
	Metric *Metric `json:"metric"`

	// Labels distinguishes values of the same metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the value.
	Value float64 `json:"value"`
}

// Snapshot is a snapshot of metric values at a point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time `json:"when,omitempty"`

	// Data is the snapshot data. Each (Metric, Labels) combination must be
	// unique within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add adds a value to the snapshot. It returns the snapshot for chaining.
func (s *Snapshot) Add(m *Metric, labels map[string]string, value float64) *Snapshot {
	s.Data = append(s.Data, &Data{Metric: m, Labels: labels, Value: value})
	return s
}

// Get returns the value of m with the given labels.
func (s *Snapshot) Get(m *Metric, labels map[string]string) (float64, bool) {
	for _, d := range s.Data {
		if d.Metric == m && equalLabels(d.Labels, labels) {
			return d.Value, true
		}
	}
	return 0, false
}

func equalLabels(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// labelKey returns a canonical string for labels.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q,", k, labels[k])
	}
	return b.String()
}

// Families converts the snapshot to metric families, prefixing every metric
// name with prefix. Families are ordered by name and values within a family
// by labels.
func (s *Snapshot) Families(prefix string) ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	seen := make(map[string]bool)
	keys := make(map[*dto.Metric]string)
	ms := s.When.UnixMilli()
	for _, d := range s.Data {
		name := prefix + d.Metric.Name
		key := labelKey(d.Labels)
		if seen[name+"{"+key+"}"] {
			return nil, fmt.Errorf("%w: %s{%s}", ErrDuplicate, name, key)
		}
		seen[name+"{"+key+"}"] = true

		mf, ok := byName[name]
		if !ok {
			mf = &dto.MetricFamily{Name: proto.String(name)}
			if d.Metric.Help != "" {
				mf.Help = proto.String(d.Metric.Help)
			}
			switch d.Metric.Type {
			case TypeGauge:
				mf.Type = dto.MetricType_GAUGE.Enum()
			case TypeCounter:
				mf.Type = dto.MetricType_COUNTER.Enum()
			default:
				return nil, fmt.Errorf("unknown metric type for metric %s: %v", name, d.Metric.Type)
			}
			byName[name] = mf
		}

		m := &dto.Metric{}
		if !s.When.IsZero() {
			m.TimestampMs = proto.Int64(ms)
		}
		labelNames := make([]string, 0, len(d.Labels))
		for k := range d.Labels {
			labelNames = append(labelNames, k)
		}
		sort.Strings(labelNames)
		for _, k := range labelNames {
			m.Label = append(m.Label, &dto.LabelPair{Name: proto.String(k), Value: proto.String(d.Labels[k])})
		}
		switch d.Metric.Type {
		case TypeGauge:
			m.Gauge = &dto.Gauge{Value: proto.Float64(d.Value)}
		case TypeCounter:
			m.Counter = &dto.Counter{Value: proto.Float64(d.Value)}
		}
		keys[m] = key
		mf.Metric = append(mf.Metric, m)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	families := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		mf := byName[name]
		sort.SliceStable(mf.Metric, func(i, j int) bool { return keys[mf.Metric[i]] < keys[mf.Metric[j]] })
		families = append(families, mf)
	}
	return families, nil
}

// WriteText writes the snapshot to w in the Prometheus text exposition
// format, returning the number of bytes written.
func (s *Snapshot) WriteText(w io.Writer, prefix string) (int, error) {
	families, err := s.Families(prefix)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	written := 0
	for _, mf := range families {
		n, err := expfmt.MetricFamilyToText(bw, mf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}
