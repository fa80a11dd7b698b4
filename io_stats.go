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
	"context"
	"fmt"
	"sync"
	"time"
)

// QueueActionType is an enum for actions happening on a device queue
type QueueActionType int

// The maximum amount of seconds of history we store in action trackers
const maximumRecordSeconds = 30

const millisecondWindow = maximumRecordSeconds * 1000

// How much time each actionBucket stores
// WARNING: Must be < 1000 and must evenly divide millisecondWindow (millisecondWindow % intervalMilliseconds == 0)!
const intervalMilliseconds = 100

const (
	// BioSubmit is a block unit accepted into a submission queue
	BioSubmit QueueActionType = 0
	// BioMerge is a block unit coalesced into an existing request
	BioMerge QueueActionType = 1
	// RequestDispatch is a request handed to the driver
	RequestDispatch QueueActionType = 2
	// RequestComplete is a request that finished successfully
	RequestComplete QueueActionType = 3
	// RequestFail is a request that finished with an error
	RequestFail QueueActionType = 4
	// BytesRead is the byte count of successfully completed reads
	BytesRead QueueActionType = 5
	// BytesWritten is the byte count of successfully completed writes
	BytesWritten QueueActionType = 6
	// BioCancel is a block unit canceled before its request was finalized
	BioCancel QueueActionType = 7
)

const actionTypeCount = 8

type queueAction struct {
	actionType QueueActionType
	count      uint64
}

type actionBucket struct {
	updateTime   time.Time
	actionCounts []uint64
}

// ioActionTracker efficiently stores queue action counts over time
type ioActionTracker struct {
	queue         chan *queueAction
	actionBuckets []*actionBucket
	actionPool    *sync.Pool
	actionLock    *sync.Mutex
}

// Define the now function so that we can overwrite the definition in tests
var timeNow = time.Now

// newIOActionTracker creates a new io action tracker
func newIOActionTracker() *ioActionTracker {
	bucketCount := maximumRecordSeconds * (1000 / intervalMilliseconds)
	actionBuckets := make([]*actionBucket, bucketCount)
	for i := 0; i < bucketCount; i++ {
		currentActionBucket := &actionBucket{
			time.Time{},
			make([]uint64, actionTypeCount),
		}

		actionBuckets[i] = currentActionBucket
	}

	queueActionPool := &sync.Pool{
		New: func() interface{} {
			return &queueAction{}
		},
	}

	return &ioActionTracker{
		make(chan *queueAction, 100),
		actionBuckets,
		queueActionPool,
		&sync.Mutex{},
	}
}

// recordAction records a queue action with a given type. Recording is
// best effort, if the tracker is backed up the sample is dropped rather
// than stalling the queueing path.
func (d *ioActionTracker) recordAction(actionType QueueActionType, byteCount uint64) {
	action := d.actionPool.Get().(*queueAction)
	action.actionType = actionType
	action.count = byteCount

	select {
	case d.queue <- action:
	default:
		d.actionPool.Put(action)
	}
}

// Sample the count matching actionType accumulated over the last timeMilliseconds milliseconds
func (d *ioActionTracker) Sample(actionType QueueActionType, timeMilliseconds uint64) uint64 {
	now := timeNow()
	startBucket := getBucketIndex(now)

	d.actionLock.Lock()

	currentIx := startBucket
	currentTime := now
	returnCount := uint64(0)
	for i := uint64(0); i < timeMilliseconds/intervalMilliseconds; i++ {
		if isFresh(d.actionBuckets[currentIx], currentTime) {
			returnCount += d.actionBuckets[currentIx].actionCounts[actionType]
		}
		currentIx--
		if currentIx < 0 {
			currentIx = maximumRecordSeconds*(1000/intervalMilliseconds) - 1
		}
		currentTime = currentTime.Add(-intervalMilliseconds * time.Millisecond)
	}

	d.actionLock.Unlock()

	return returnCount
}

// processQueue blocks, processing the action queue, until cancellation
func (d *ioActionTracker) processQueue(ctx context.Context, waitGroup *sync.WaitGroup) {
	waitGroup.Add(1)
	defer waitGroup.Done()

	for !isCancelSignaled(ctx) {
		queueAction := d.tryDequeue(500)

		if queueAction == nil {
			continue
		}

		d.processAction(queueAction)
	}
}

func (d *ioActionTracker) processAction(queueAction *queueAction) {
	now := timeNow()
	actionBucketIx := getBucketIndex(now)

	actionBucket := d.actionBuckets[actionBucketIx]

	d.actionLock.Lock()
	if !isFresh(actionBucket, now) {
		reset(actionBucket)
	}

	actionBucket.updateTime = now
	actionBucket.actionCounts[queueAction.actionType] += queueAction.count
	d.actionLock.Unlock()

	d.actionPool.Put(queueAction)
}

// BytesToHumanReadable converts a raw byte count to a human readable value (e.g. 1024 becomes '1KB')
func BytesToHumanReadable(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB",
		float64(b)/float64(div), "KMGTPE"[exp])
}

func (d *ioActionTracker) tryDequeue(waitMilliseconds int) *queueAction {
	select {
	case qa := <-d.queue:
		return qa
	case <-time.After(time.Duration(waitMilliseconds) * time.Millisecond):
		return nil
	}
}

func isFresh(bucket *actionBucket, now time.Time) bool {
	nonStaleTime := now.Add(time.Duration(-intervalMilliseconds-1) * time.Millisecond)

	return bucket.updateTime.After(nonStaleTime)
}

func reset(bucket *actionBucket) {
	bucket.updateTime = time.Time{}
	for i := 0; i < actionTypeCount; i++ {
		bucket.actionCounts[i] = 0
	}
}

func getBucketIndex(now time.Time) int64 {
	millisecondNow := now.UnixNano() / int64(time.Millisecond)
	millisecondMod := millisecondNow % millisecondWindow

	return millisecondMod / intervalMilliseconds
}
