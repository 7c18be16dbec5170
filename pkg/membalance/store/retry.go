// Copyright 2024 The membalance Authors.
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

package store

import (
	"math/rand"
	"time"
)

// minBackoff/maxBackoff are the linear ramp bounds from spec.md §4.4/§5.
const (
	minBackoff = 20 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Retry runs fn up to maxRetries+1 times, retrying only on ErrConflict.
// Starting at attempt ⌈maxRetries/2⌉, it sleeps a randomized, linearly
// ramping backoff between minBackoff and maxBackoff before the next try
// (spec.md §4.4: "randomized back-off between attempt ⌈R/2⌉ and R (linear
// 20 ms -> 5 s)").
func Retry(maxRetries int, fn func() error) error {
	backoffFrom := (maxRetries + 1) / 2
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || err != ErrConflict {
			return err
		}
		if attempt >= maxRetries {
			break
		}
		if attempt+1 >= backoffFrom {
			sleepRampedBackoff(attempt+1-backoffFrom, maxRetries-backoffFrom)
		}
	}
	return err
}

func sleepRampedBackoff(step, span int) {
	if span <= 0 {
		span = 1
	}
	frac := float64(step) / float64(span)
	if frac > 1 {
		frac = 1
	}
	d := minBackoff + time.Duration(frac*float64(maxBackoff-minBackoff))
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	time.Sleep(d/2 + jitter)
}
