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
	"sort"
	"sync"
	"time"
)

// RequestState tracks a request through its lifecycle. The only legal
// walk is Building -> Queued -> Selected -> Routed -> InFlight and then
// Completed or Failed. Nothing is reachable after a terminal state.
type RequestState int

const (
	// Building accepts further merges inside its submission queue
	Building RequestState = iota
	// Queued is finalized and waiting, in a submission queue or on a channel's pending set
	Queued
	// Selected has been ordered to the front by the scheduler policy
	Selected
	// Routed has claimed an execution slot on its channel
	Routed
	// InFlight has been handed to the driver
	InFlight
	// Completed executed successfully
	Completed
	// Failed executed with an error
	Failed
)

func (s RequestState) String() string {
	switch s {
	case Building:
		return "building"
	case Queued:
		return "queued"
	case Selected:
		return "selected"
	case Routed:
		return "routed"
	case InFlight:
		return "in-flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// Request is one or more adjacent block units coalesced into a single unit
// of work. All constituent bios share a direction and form one contiguous
// byte range. A request is mutable only while Building; from Queued onward
// its geometry is frozen.
type Request struct {
	lock      sync.Mutex
	ioType    IOType
	offset    uint64
	length    uint64
	bios      []*bio // merge order, which is also completion fan-out order
	state     RequestState
	seq       uint64
	queueID   int
	class     string
	openedAt  time.Time
	expiry    time.Time
	channelID int
	finished  bool
}

// Direction returns the transfer direction shared by every bio in the request
func (r *Request) Direction() IOType {
	return r.ioType
}

// Offset returns the first byte offset covered by the request
func (r *Request) Offset() uint64 {
	return r.offset
}

// Length returns the total byte length, equal to the sum of the constituent bio lengths
func (r *Request) Length() uint64 {
	return r.length
}

// Channel returns the dispatch channel this request was placed on, or -1
func (r *Request) Channel() int {
	return r.channelID
}

// Class returns the caller class label of the submission queue that built this request
func (r *Request) Class() string {
	return r.class
}

// State returns the current lifecycle state
func (r *Request) State() RequestState {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.state
}

func (r *Request) setState(state RequestState) {
	r.lock.Lock()
	r.state = state
	r.lock.Unlock()
}

// markFinished flips the request into its terminal delivery exactly once.
// Returns false if a completion was already accepted for this request.
func (r *Request) markFinished() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.finished {
		return false
	}
	r.finished = true

	return true
}

// Segments returns the caller memory regions of the request flattened in
// device address order, ready for scatter-gather execution. The constituent
// bios are contiguous so address order is well defined regardless of the
// order they were merged in.
func (r *Request) Segments() []Segment {
	ordered := make([]*bio, len(r.bios))
	copy(ordered, r.bios)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].offset < ordered[j].offset
	})

	segments := make([]Segment, 0, len(ordered))
	for _, b := range ordered {
		segments = append(segments, b.segments...)
	}

	return segments
}

// BioCount returns how many block units were merged into this request
func (r *Request) BioCount() int {
	return len(r.bios)
}

func (r *Request) end() uint64 {
	return r.offset + r.length
}

// backMerge appends a bio extending the request toward higher offsets.
// Only legal while Building, under the owning queue's lock.
func (r *Request) backMerge(b *bio) {
	r.bios = append(r.bios, b)
	r.length += b.length
	b.request = r
}

// frontMerge appends a bio extending the request toward lower offsets.
// Only legal while Building, under the owning queue's lock.
func (r *Request) frontMerge(b *bio) {
	r.bios = append(r.bios, b)
	r.offset = b.offset
	r.length += b.length
	b.request = r
}

// reset scrubs a request for reuse through the pool. Terminal delivery has
// already released the caller's memory regions by this point.
func (r *Request) reset() {
	for i := range r.bios {
		r.bios[i] = nil
	}
	r.bios = r.bios[:0]
	r.ioType = Read
	r.offset = 0
	r.length = 0
	r.state = Building
	r.seq = 0
	r.queueID = 0
	r.class = ""
	r.openedAt = time.Time{}
	r.expiry = time.Time{}
	r.channelID = -1
	r.finished = false
}
