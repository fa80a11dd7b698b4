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
	"sync"
	"sync/atomic"
)

// SubmissionQueue folds one submitting goroutine's block units into
// requests. A unit adjacent to a building request of the same direction
// merges into it, anything else opens a fresh request. A building
// request keeps accepting merges until its merge window closes or it
// reaches the configured size cap. Merging never reaches across
// finalized requests, their geometry is frozen.
type SubmissionQueue struct {
	id       int
	class    string
	device   *Device
	lock     *sync.Mutex
	building []*Request
	queued   []*Request
	// Adjacency indexes over the building set, keyed by each request's
	// current span edges, so merge candidates are found in constant
	// time. Overlapping spans may shadow an edge, shadowed requests
	// just stop attracting merges.
	byStart map[uint64]*Request
	byEnd   map[uint64]*Request
}

func newSubmissionQueue(device *Device, id int, class string) *SubmissionQueue {
	return &SubmissionQueue{
		id:       id,
		class:    class,
		device:   device,
		lock:     &sync.Mutex{},
		building: make([]*Request, 0),
		queued:   make([]*Request, 0),
		byStart:  make(map[uint64]*Request),
		byEnd:    make(map[uint64]*Request),
	}
}

// ID returns the device unique id of this queue
func (sq *SubmissionQueue) ID() int {
	return sq.id
}

// Class returns the caller class label this queue was opened with
func (sq *SubmissionQueue) Class() string {
	return sq.class
}

// submit accepts one block unit. Merging into a building request is
// attempted first and is allowed even when the queue is at capacity,
// since a merge consumes no additional queue space.
func (sq *SubmissionQueue) submit(b *bio) error {
	sq.lock.Lock()

	if sq.tryMergeLocked(b) {
		sq.lock.Unlock()
		sq.device.tracker.recordAction(BioMerge, 1)
		return nil
	}

	if len(sq.building)+len(sq.queued) >= sq.device.config.MaxQueuedRequests {
		sq.lock.Unlock()
		return NewIOError(ErrQueueOverflow, -1, b.offset, b.length, nil)
	}

	r := sq.device.newRequest()
	r.ioType = b.ioType
	r.offset = b.offset
	r.length = b.length
	r.bios = append(r.bios, b)
	r.state = Building
	r.seq = atomic.AddUint64(&sq.device.seqSource, 1)
	r.queueID = sq.id
	r.class = sq.class
	r.openedAt = timeNow()
	r.channelID = -1
	b.request = r

	sq.building = append(sq.building, r)
	sq.indexLocked(r)
	sq.lock.Unlock()

	return nil
}

// tryMergeLocked attempts to coalesce b into a building request. The
// adjacency indexes yield at most one candidate per side, a candidate
// in the wrong direction or one the size cap forbids does not merge.
func (sq *SubmissionQueue) tryMergeLocked(b *bio) bool {
	backTarget := sq.byEnd[b.offset]
	frontTarget := sq.byStart[b.end()]

	if backTarget != nil &&
		(backTarget.ioType != b.ioType || backTarget.length+b.length > sq.device.config.MaxMergeBytes) {
		backTarget = nil
	}
	if frontTarget != nil &&
		(frontTarget.ioType != b.ioType || frontTarget.length+b.length > sq.device.config.MaxMergeBytes) {
		frontTarget = nil
	}

	if backTarget == nil && frontTarget == nil {
		return false
	}

	// A bio bridging two requests takes the merge yielding the larger
	// request, back merge on ties
	target := backTarget
	front := false
	if backTarget == nil || (frontTarget != nil && frontTarget.length > backTarget.length) {
		target = frontTarget
		front = true
	}

	sq.unindexLocked(target)
	if front {
		target.frontMerge(b)
	} else {
		target.backMerge(b)
	}
	sq.indexLocked(target)

	return true
}

// indexLocked registers r's current span edges in the adjacency
// indexes. Call only while r's span is stable.
func (sq *SubmissionQueue) indexLocked(r *Request) {
	sq.byStart[r.offset] = r
	sq.byEnd[r.end()] = r
}

// unindexLocked withdraws r's span edges, leaving entries that a later
// overlapping request has taken over alone.
func (sq *SubmissionQueue) unindexLocked(r *Request) {
	if sq.byStart[r.offset] == r {
		delete(sq.byStart, r.offset)
	}
	if sq.byEnd[r.end()] == r {
		delete(sq.byEnd, r.end())
	}
}

// drainReady finalizes building requests whose merge window has closed
// or that cannot grow further, gated by the scheduler policy, then
// hands back everything finalized and not yet routed. The caller owns
// the returned slice.
func (sq *SubmissionQueue) drainReady() []*Request {
	now := timeNow()
	sq.lock.Lock()

	kept := sq.building[:0]
	for _, r := range sq.building {
		closed := now.Sub(r.openedAt) >= sq.device.mergeWindow
		full := r.length >= sq.device.config.MaxMergeBytes

		if (closed || full) && sq.device.policy.Admit(r) {
			sq.unindexLocked(r)
			r.setState(Queued)
			r.expiry = now.Add(sq.device.maxLatency)
			sq.device.classLoads.add(r.class)
			sq.queued = append(sq.queued, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(sq.building); i++ {
		sq.building[i] = nil
	}
	sq.building = kept

	batch := sq.queued
	sq.queued = nil
	sq.lock.Unlock()

	return batch
}

// requeue returns routed-rejected requests to the front of the queued
// set, preserving their order ahead of anything finalized since
func (sq *SubmissionQueue) requeue(batch []*Request) {
	if len(batch) == 0 {
		return
	}

	sq.lock.Lock()
	sq.queued = append(batch, sq.queued...)
	sq.lock.Unlock()
}

// drainAll empties the queue of everything not yet routed, building and
// queued alike. Teardown only.
func (sq *SubmissionQueue) drainAll() []*Request {
	sq.lock.Lock()
	orphans := append([]*Request(nil), sq.building...)
	orphans = append(orphans, sq.queued...)
	sq.building = sq.building[:0]
	sq.queued = nil
	sq.byStart = make(map[uint64]*Request)
	sq.byEnd = make(map[uint64]*Request)
	sq.lock.Unlock()

	return orphans
}

// Cancel withdraws a block unit before its request is finalized. The
// handle completes with ErrCanceled and unaffected block units in the
// same request carry on. Once the request has left the building state
// the block unit is committed and ErrNotCancelable is returned.
func (sq *SubmissionQueue) Cancel(handle *Handle) error {
	if handle == nil {
		return ErrNotCancelable
	}
	b := handle.bio

	sq.lock.Lock()
	if b.queue != sq || b.request == nil {
		sq.lock.Unlock()
		return ErrNotCancelable
	}

	r := b.request
	if r.State() != Building {
		sq.lock.Unlock()
		return ErrNotCancelable
	}

	if len(r.bios) == 1 {
		sq.removeBuildingLocked(r)
		b.request = nil
		sq.device.recycleRequest(r)
	} else {
		sq.splitAroundLocked(r, b)
	}
	sq.lock.Unlock()

	sq.device.tracker.recordAction(BioCancel, 1)
	handle.complete(ErrCanceled)

	return nil
}

// splitAroundLocked rebuilds r without the canceled bio. The remainder
// left of the hole stays in r, the remainder right of it moves to a
// fresh building request, both preserving merge order. Either side may
// be empty.
func (sq *SubmissionQueue) splitAroundLocked(r *Request, b *bio) {
	left := make([]*bio, 0, len(r.bios))
	right := make([]*bio, 0, len(r.bios))
	for _, rb := range r.bios {
		if rb == b {
			continue
		}
		if rb.end() <= b.offset {
			left = append(left, rb)
		} else {
			right = append(right, rb)
		}
	}
	b.request = nil
	sq.unindexLocked(r)

	if len(left) == 0 || len(right) == 0 {
		survivors := left
		if len(survivors) == 0 {
			survivors = right
		}
		r.bios = r.bios[:0]
		r.bios = append(r.bios, survivors...)
		r.offset, r.length = bioSpan(survivors)
		sq.indexLocked(r)
		return
	}

	r.bios = r.bios[:0]
	r.bios = append(r.bios, left...)
	r.offset, r.length = bioSpan(left)
	sq.indexLocked(r)

	r2 := sq.device.newRequest()
	r2.ioType = r.ioType
	r2.bios = append(r2.bios, right...)
	r2.offset, r2.length = bioSpan(right)
	r2.state = Building
	r2.seq = atomic.AddUint64(&sq.device.seqSource, 1)
	r2.queueID = sq.id
	r2.class = sq.class
	// The split off remainder keeps its original merge window
	r2.openedAt = r.openedAt
	r2.channelID = -1
	for _, rb := range right {
		rb.request = r2
	}
	sq.building = append(sq.building, r2)
	sq.indexLocked(r2)
}

func (sq *SubmissionQueue) removeBuildingLocked(r *Request) {
	sq.unindexLocked(r)
	for i, candidate := range sq.building {
		if candidate == r {
			copy(sq.building[i:], sq.building[i+1:])
			sq.building[len(sq.building)-1] = nil
			sq.building = sq.building[:len(sq.building)-1]
			return
		}
	}
}

// bioSpan returns the contiguous byte range covered by a merge ordered
// bio set
func bioSpan(bios []*bio) (uint64, uint64) {
	if len(bios) == 0 {
		return 0, 0
	}

	start := bios[0].offset
	length := uint64(0)
	for _, b := range bios {
		if b.offset < start {
			start = b.offset
		}
		length += b.length
	}

	return start, length
}
