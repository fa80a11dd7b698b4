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
)

// Segment references one caller-owned memory region participating in a
// transfer. The bytes touched are Buffer[Offset : Offset+Length].
type Segment struct {
	Buffer []byte
	Offset uint64
	Length uint64
}

func (s *Segment) bytes() []byte {
	return s.Buffer[s.Offset : s.Offset+s.Length]
}

// bio is the atomic description of one I/O transfer. It is immutable once
// created. Ownership transfers to the queueing subsystem on submit and
// returns to the caller when its handle completes.
type bio struct {
	ioType   IOType
	offset   uint64
	length   uint64
	segments []Segment
	handle   *Handle
	queue    *SubmissionQueue
	// request is the building request currently holding this bio.
	// Only valid under the owning submission queue's lock.
	request *Request
}

func newBio(ioType IOType, offset uint64, length uint64, segments []Segment) *bio {
	b := &bio{
		ioType:   ioType,
		offset:   offset,
		length:   length,
		segments: segments,
	}
	b.handle = &Handle{bio: b}

	return b
}

func (b *bio) end() uint64 {
	return b.offset + b.length
}

// Handle represents one submitted block unit. The completion callback
// registered on it fires exactly once, with nil on success or the failure
// delivered by the device. A handle is never resubmitted.
type Handle struct {
	bio      *bio
	lock     sync.Mutex
	done     bool
	err      error
	callback func(error)
}

// Direction returns the transfer direction of the underlying block unit
func (h *Handle) Direction() IOType {
	return h.bio.ioType
}

// Offset returns the starting byte offset of the underlying block unit
func (h *Handle) Offset() uint64 {
	return h.bio.offset
}

// Length returns the byte length of the underlying block unit
func (h *Handle) Length() uint64 {
	return h.bio.length
}

// OnComplete registers the completion callback. If the block unit already
// completed, the callback fires immediately in the calling goroutine.
// Callbacks must not block: they run on the device's completion workers.
func (h *Handle) OnComplete(callback func(error)) {
	h.lock.Lock()
	if h.done {
		err := h.err
		h.lock.Unlock()
		callback(err)

		return
	}
	h.callback = callback
	h.lock.Unlock()
}

// IsComplete returns whether a completion has been delivered for this block unit
func (h *Handle) IsComplete() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.done
}

// Err returns the delivered completion error. Only meaningful once IsComplete is true.
func (h *Handle) Err() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.err
}

// complete delivers the terminal signal for this block unit. The pipeline
// guarantees it is reached exactly once per bio.
func (h *Handle) complete(err error) {
	h.lock.Lock()
	h.done = true
	h.err = err
	callback := h.callback
	h.lock.Unlock()

	if callback != nil {
		callback(err)
	}
}
