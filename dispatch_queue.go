/* This file is part of blockmq.
 *
 * Copyright © 2020 Datto, Inc.
 * Author: Bryan Ehrlich <behrlich@datto.com>
 *
 * Licensed under the Apache Software License, Version 2.0
 * Fedora-License-Identifier: ASL 2.0
 * SPDX-2.0-License-Identifier: Apache-2.0
 * SPDX-3.0-License-Identifier: Apache-2.0
 *
 * blockmq is free software.
 * For more information on the license, see LICENSE.
 * For more information on free software, see <https://www.gnu.org/philosophy/free-sw.en.html>.
 *
 * You may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package blockmq

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// dispatchChannel models one hardware execution context. Its pending
// set and in flight count are each bounded by the channel depth, and
// only this channel's lock guards them, so channels never contend with
// each other.
type dispatchChannel struct {
	id       int
	lock     *sync.Mutex
	pending  []*Request
	inFlight int
	depth    int
	offline  bool
	removals int
	kick     chan struct{}
}

func newDispatchChannel(id int, depth int) *dispatchChannel {
	return &dispatchChannel{
		id:      id,
		lock:    &sync.Mutex{},
		pending: make([]*Request, 0, depth),
		depth:   depth,
		kick:    make(chan struct{}, 1),
	}
}

// kickWorker nudges the channel's dispatch worker without blocking. A
// single buffered slot is enough, the worker drains until idle.
func (c *dispatchChannel) kickWorker() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// affineChannel maps a submission queue to its home channel. The
// mapping is stable so one queue's requests land on one channel unless
// it overflows.
func affineChannel(queueID int, channelCount int) int {
	h := fnv.New32a()
	h.Write(uint64ToBytes(uint64(queueID)))

	return int(h.Sum32() % uint32(channelCount))
}

// route places a finalized request on a dispatch channel. The affine
// channel is preferred, a full one overflows to the least occupied
// online channel with room. An offline affine channel fails the
// request rather than silently rehoming a queue whose device context
// is gone.
func (d *Device) route(r *Request) error {
	affine := affineChannel(r.queueID, len(d.channels))
	c := d.channels[affine]

	c.lock.Lock()
	if c.offline {
		c.lock.Unlock()
		return NewIOError(ErrDeviceRemoved, affine, r.offset, r.length, nil)
	}
	if len(c.pending) < c.depth {
		r.channelID = affine
		c.pending = append(c.pending, r)
		c.lock.Unlock()
		c.kickWorker()

		return nil
	}
	c.lock.Unlock()

	for {
		best := -1
		bestOccupancy := 0
		for i, candidate := range d.channels {
			candidate.lock.Lock()
			occupancy := len(candidate.pending) + candidate.inFlight
			eligible := !candidate.offline && len(candidate.pending) < candidate.depth
			candidate.lock.Unlock()

			if eligible && (best == -1 || occupancy < bestOccupancy) {
				best = i
				bestOccupancy = occupancy
			}
		}

		if best == -1 {
			return ErrQueueOverflow
		}

		target := d.channels[best]
		target.lock.Lock()
		if !target.offline && len(target.pending) < target.depth {
			r.channelID = best
			target.pending = append(target.pending, r)
			target.lock.Unlock()
			target.kickWorker()

			return nil
		}
		// Lost the race for that slot, rescan
		target.lock.Unlock()
	}
}

// dispatchNext hands the scheduler's pick to the driver, if the channel
// has both a pending request and a free execution slot. Returns nil
// when there is nothing to do.
func (d *Device) dispatchNext(c *dispatchChannel) *Request {
	c.lock.Lock()
	if c.inFlight >= c.depth || len(c.pending) == 0 {
		c.lock.Unlock()
		return nil
	}

	ix := d.policy.Select(c.id, c.pending)
	if ix < 0 || ix >= len(c.pending) {
		c.lock.Unlock()
		d.log.Errorf("scheduler policy selected out of range index %d", ix)
		panic(fmt.Sprintf("scheduler policy selected out of range index %d", ix))
	}

	r := c.pending[ix]
	r.setState(Selected)
	copy(c.pending[ix:], c.pending[ix+1:])
	c.pending[len(c.pending)-1] = nil
	c.pending = c.pending[:len(c.pending)-1]

	r.setState(Routed)
	c.inFlight++
	r.setState(InFlight)
	c.lock.Unlock()

	d.classLoads.remove(r.class)
	d.tracker.recordAction(RequestDispatch, 1)

	// Outside the channel lock, drivers may complete synchronously
	d.driver.Execute(r)

	return r
}

// processDispatchChannel runs one channel's dispatch loop until
// cancellation
func (d *Device) processDispatchChannel(c *dispatchChannel) {
	d.terminationWaitGroup.Add(1)
	defer d.terminationWaitGroup.Done()

	for !isCancelSignaled(d.terminationContext) {
		if d.dispatchNext(c) != nil {
			continue
		}

		select {
		case <-c.kick:
		case <-time.After(workerIdleMilliseconds * time.Millisecond):
		case <-d.terminationContext.Done():
		}
	}
}
