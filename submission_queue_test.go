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
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeSegments(length uint64) []Segment {
	return []Segment{{Buffer: make([]byte, length), Offset: 0, Length: length}}
}

func TestAdjacentUnitsMergeBack(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	_, err := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	assert.Nil(t, err)
	_, err = device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))
	assert.Nil(t, err)

	assert.Equal(t, 1, len(queue.building))
	assert.Equal(t, uint64(0), queue.building[0].Offset())
	assert.Equal(t, uint64(8192), queue.building[0].Length())
	assert.Equal(t, 2, queue.building[0].BioCount())
}

func TestAdjacentUnitsMergeFront(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	_, err := device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))
	assert.Nil(t, err)
	_, err = device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	assert.Nil(t, err)

	assert.Equal(t, 1, len(queue.building))
	assert.Equal(t, uint64(0), queue.building[0].Offset())
	assert.Equal(t, uint64(8192), queue.building[0].Length())
}

func TestMergeCapMakesTwoRequests(t *testing.T) {
	device, _ := newTestDevice(t, &Config{MaxMergeBytes: 4096})
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitRead(queue, 0, 4096, makeSegments(4096))
	device.SubmitRead(queue, 4096, 4096, makeSegments(4096))

	assert.Equal(t, 2, len(queue.building))

	mockNow(3)
	batch := queue.drainReady()

	assert.Equal(t, 2, len(batch))
	assert.Equal(t, uint64(0), batch[0].Offset())
	assert.Equal(t, uint64(4096), batch[1].Offset())
	assert.True(t, batch[0].seq < batch[1].seq)
}

func TestMergeUnderCapMakesOneRequest(t *testing.T) {
	device, _ := newTestDevice(t, &Config{MaxMergeBytes: 8192})
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitRead(queue, 0, 4096, makeSegments(4096))
	device.SubmitRead(queue, 4096, 4096, makeSegments(4096))

	batch := queue.drainReady()

	assert.Equal(t, 1, len(batch))
	assert.Equal(t, uint64(0), batch[0].Offset())
	assert.Equal(t, uint64(8192), batch[0].Length())
}

func TestMergeWindowHoldsUnfilledRequests(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))

	assert.Equal(t, 0, len(queue.drainReady()))

	mockNow(3)
	batch := queue.drainReady()

	assert.Equal(t, 1, len(batch))
	assert.Equal(t, Queued, batch[0].State())
}

func TestFullRequestPromotesBeforeWindowCloses(t *testing.T) {
	device, _ := newTestDevice(t, &Config{MaxMergeBytes: 8192})
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))

	batch := queue.drainReady()

	assert.Equal(t, 1, len(batch))
	assert.Equal(t, uint64(8192), batch[0].Length())
}

func TestBridgingUnitJoinsTheLargerSide(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 8192, 8192, makeSegments(8192))
	// Bridges both, the right side request is larger
	device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))

	assert.Equal(t, 2, len(queue.building))
	assert.Equal(t, uint64(0), queue.building[0].Offset())
	assert.Equal(t, uint64(4096), queue.building[0].Length())
	assert.Equal(t, uint64(4096), queue.building[1].Offset())
	assert.Equal(t, uint64(12288), queue.building[1].Length())
}

func TestBridgingUnitBackMergesOnTies(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 8192, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))

	assert.Equal(t, 2, len(queue.building))
	assert.Equal(t, uint64(0), queue.building[0].Offset())
	assert.Equal(t, uint64(8192), queue.building[0].Length())
	assert.Equal(t, uint64(8192), queue.building[1].Offset())
	assert.Equal(t, uint64(4096), queue.building[1].Length())
}

func TestDifferentDirectionsNeverMerge(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	device.SubmitRead(queue, 4096, 4096, makeSegments(4096))

	assert.Equal(t, 2, len(queue.building))
}

func TestMergingIsAllowedWhenTheQueueIsFull(t *testing.T) {
	device, _ := newTestDevice(t, &Config{MaxQueuedRequests: 2})
	queue := device.OpenQueue("test")
	mockNow(0)

	_, err := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	assert.Nil(t, err)
	_, err = device.SubmitWrite(queue, 16384, 4096, makeSegments(4096))
	assert.Nil(t, err)

	_, err = device.SubmitWrite(queue, 32768, 4096, makeSegments(4096))
	assert.True(t, errors.Is(err, ErrQueueOverflow))

	// Adjacent to the first request, consumes no extra queue space
	_, err = device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))
	assert.Nil(t, err)
	assert.Equal(t, uint64(8192), queue.building[0].Length())
}

func TestCancelWhileBuilding(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	handle, err := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	assert.Nil(t, err)

	err = queue.Cancel(handle)

	assert.Nil(t, err)
	assert.True(t, handle.IsComplete())
	assert.True(t, errors.Is(handle.Err(), ErrCanceled))
	assert.Equal(t, 0, len(queue.building))
}

func TestCancelingAnInteriorUnitSplitsTheRequest(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	left, _ := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	middle, _ := device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))
	right, _ := device.SubmitWrite(queue, 8192, 4096, makeSegments(4096))
	assert.Equal(t, 1, len(queue.building))

	err := queue.Cancel(middle)

	assert.Nil(t, err)
	assert.True(t, middle.IsComplete())
	assert.False(t, left.IsComplete())
	assert.False(t, right.IsComplete())
	assert.Equal(t, 2, len(queue.building))
	assert.Equal(t, uint64(0), queue.building[0].Offset())
	assert.Equal(t, uint64(4096), queue.building[0].Length())
	assert.Equal(t, uint64(8192), queue.building[1].Offset())
	assert.Equal(t, uint64(4096), queue.building[1].Length())
}

func TestCancelingAnEdgeUnitShrinksTheRequest(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	first, _ := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))

	err := queue.Cancel(first)

	assert.Nil(t, err)
	assert.Equal(t, 1, len(queue.building))
	assert.Equal(t, uint64(4096), queue.building[0].Offset())
	assert.Equal(t, uint64(4096), queue.building[0].Length())
}

func TestCancelAfterFinalizationFails(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	handle, _ := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))

	mockNow(3)
	batch := queue.drainReady()
	assert.Equal(t, 1, len(batch))

	err := queue.Cancel(handle)

	assert.True(t, errors.Is(err, ErrNotCancelable))
	assert.False(t, handle.IsComplete())
}

func TestCancelOnTheWrongQueueFails(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	other := device.OpenQueue("other")
	mockNow(0)

	handle, _ := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))

	assert.True(t, errors.Is(other.Cancel(handle), ErrNotCancelable))
	assert.True(t, errors.Is(queue.Cancel(nil), ErrNotCancelable))
	assert.False(t, handle.IsComplete())
}

func TestSplitRequestsKeepMerging(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	middle, _ := device.SubmitWrite(queue, 4096, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 8192, 4096, makeSegments(4096))
	queue.Cancel(middle)

	// Both split halves stay open for adjacent traffic
	device.SubmitWrite(queue, 12288, 4096, makeSegments(4096))

	assert.Equal(t, 2, len(queue.building))
	assert.Equal(t, uint64(8192), queue.building[1].Offset())
	assert.Equal(t, uint64(8192), queue.building[1].Length())
}

func TestRequeuedRequestsStayAhead(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	device.SubmitWrite(queue, 16384, 4096, makeSegments(4096))

	mockNow(3)
	batch := queue.drainReady()
	assert.Equal(t, 2, len(batch))

	queue.requeue(batch)

	mockNow(6)
	device.SubmitWrite(queue, 32768, 4096, makeSegments(4096))
	mockNow(9)
	again := queue.drainReady()

	assert.Equal(t, 3, len(again))
	assert.Equal(t, uint64(0), again[0].Offset())
	assert.Equal(t, uint64(16384), again[1].Offset())
	assert.Equal(t, uint64(32768), again[2].Offset())
}
