// Copyright 2015 Google Inc. All Rights Reserved.
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

package cache

import (
	"time"
)

// A Flusher periodically writes back slots that have been dirty for at
// least one full interval, bounding the amount of data a crash can lose
// without degenerating into write-through for hot sectors.
type Flusher struct {
	c        *Cache
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// StartFlusher spawns a goroutine that calls c.FlushOlderThan(interval)
// every interval until Stop is called.
//
// REQUIRES: interval > 0
func StartFlusher(c *Cache, interval time.Duration) *Flusher {
	if interval <= 0 {
		panic("StartFlusher requires a positive interval.")
	}

	f := &Flusher{
		c:        c,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go f.run()
	return f
}

// Stop halts the background goroutine and waits for it to exit. Dirty slots
// are not flushed on the way out; that is the owner's job via Flush or
// Close.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Flusher) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return

		case <-ticker.C:
			// Flush errors here mean the device is failing; the next
			// foreground operation will surface its own error, so drop it.
			_ = f.c.FlushOlderThan(f.interval)
		}
	}
}
