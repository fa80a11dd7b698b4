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
	"errors"
	"time"
)

type completionEvent struct {
	request *Request
	err     error
}

// Complete delivers the terminal result for a dispatched request. It is
// safe to call from any goroutine, including synchronously from inside
// Driver.Execute. Completion is accepted exactly once per request,
// duplicates are logged and dropped.
//
// While the device is connected delivery is asynchronous through the
// completion workers. Before Connect, and during teardown, delivery
// happens inline so no completion is ever lost.
func (d *Device) Complete(r *Request, ioErr error) {
	if r == nil {
		d.log.Error("completion delivered for nil request")
		panic("completion delivered for nil request")
	}

	if !r.markFinished() {
		d.log.Warnf("Duplicate completion for request %d dropped", r.seq)
		return
	}

	// Holding the read side across the handoff lets Disconnect wait for
	// completers mid delivery, so no event can land in the queue after
	// the final drain
	d.completerLock.RLock()
	defer d.completerLock.RUnlock()

	if !d.isConnected() {
		d.handleCompletion(r, ioErr)
		return
	}

	ev := d.eventPool.Get().(*completionEvent)
	ev.request = r
	ev.err = ioErr

	select {
	case d.completionQueue <- ev:
	case <-d.terminationContext.Done():
		ev.request = nil
		ev.err = nil
		d.eventPool.Put(ev)
		d.handleCompletion(r, ioErr)
	}
}

// handleCompletion settles one request: releases its channel slot,
// applies the offline rule, records stats, and fans the result out to
// every constituent block unit in merge order.
func (d *Device) handleCompletion(r *Request, ioErr error) {
	if r.State() == InFlight {
		c := d.channels[r.channelID]
		c.lock.Lock()
		c.inFlight--
		if ioErr != nil && errors.Is(ioErr, ErrDeviceRemoved) {
			c.removals++
			if !c.offline && c.removals >= d.config.OfflineThreshold {
				c.offline = true
				d.log.Warnf("Channel %d offline after %d consecutive device removals", c.id, c.removals)
			}
		} else {
			c.removals = 0
		}
		c.lock.Unlock()
		c.kickWorker()
		d.kickPump()
	} else {
		// Failed before dispatch, release its queued accounting
		d.classLoads.remove(r.class)
	}

	if ioErr == nil {
		r.setState(Completed)
		d.tracker.recordAction(RequestComplete, 1)
		if r.ioType == Read {
			d.tracker.recordAction(BytesRead, r.length)
		} else {
			d.tracker.recordAction(BytesWritten, r.length)
		}
	} else {
		r.setState(Failed)
		d.tracker.recordAction(RequestFail, 1)
	}

	// Sever the bio links under the owning queue's lock so a racing
	// Cancel never follows a pointer into a recycled request
	bios := r.bios
	if len(bios) > 0 {
		sq := bios[0].queue
		sq.lock.Lock()
		for _, b := range bios {
			b.request = nil
		}
		sq.lock.Unlock()
	}

	for _, b := range bios {
		b.handle.complete(ioErr)
	}

	d.recycleRequest(r)
}

// processCompletionQueue runs one completion worker until cancellation
func (d *Device) processCompletionQueue() {
	d.terminationWaitGroup.Add(1)
	defer d.terminationWaitGroup.Done()

	for !isCancelSignaled(d.terminationContext) {
		ev := d.tryDequeueCompletion(workerIdleMilliseconds)

		if ev == nil {
			continue
		}

		request := ev.request
		ioErr := ev.err
		ev.request = nil
		ev.err = nil
		d.eventPool.Put(ev)

		d.handleCompletion(request, ioErr)
	}
}

func (d *Device) tryDequeueCompletion(waitMilliseconds int) *completionEvent {
	select {
	case ev := <-d.completionQueue:
		return ev
	case <-time.After(time.Duration(waitMilliseconds) * time.Millisecond):
		return nil
	}
}

// drainCompletions settles events still queued after the workers have
// stopped
func (d *Device) drainCompletions() {
	for {
		select {
		case ev := <-d.completionQueue:
			request := ev.request
			ioErr := ev.err
			ev.request = nil
			ev.err = nil
			d.eventPool.Put(ev)

			d.handleCompletion(request, ioErr)
		default:
			return
		}
	}
}
