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

// Package testutil contains utility functions for kernel tests.
package testutil

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// seed overrides the seed of randomized tests so failures can be
	// replayed.
	seed = flag.Uint64("test_seed", 0, "seed for randomized tests; 0 picks one from the clock")

	// timeoutMultiplier scales TestTimeout for slow or heavily loaded
	// machines.
	timeoutMultiplier = flag.Float64("test_timeout_multiplier", 1, "multiplier for test timeouts")
)

// Seed returns the seed to use for a randomized test. The seed is logged by
// the caller so a failing run can be repeated with --test_seed.
func Seed() uint64 {
	if *seed != 0 {
		return *seed
	}
	if s := os.Getenv("KERNSIM_TEST_SEED"); s != "" {
		if v, err := strconv.ParseUint(s, 0, 64); err == nil {
			return v
		}
	}
	return uint64(time.Now().UnixNano())
}

// TestTimeout scales d by the timeout multiplier.
func TestTimeout(d time.Duration) time.Duration {
	return time.Duration(float64(d) * *timeoutMultiplier)
}

// Poll is a shorthand function to poll for something with given timeout.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout(timeout))
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(5*time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}

// PollUntil polls until cond returns true. what describes the condition in
// the returned error.
func PollUntil(cond func() bool, what string, timeout time.Duration) error {
	return Poll(func() error {
		if !cond() {
			return fmt.Errorf("waiting for %s", what)
		}
		return nil
	}, timeout)
}
