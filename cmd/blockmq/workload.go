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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/datto/blockmq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	// maxChunkSectors is the largest single submission, small enough that
	// adjacent chunks in a burst stay under the device merge limit.
	maxChunkSectors = 8
	// maxBurstChunks bounds how many adjacent submissions a worker issues
	// before waiting for their completions.
	maxBurstChunks = 16
	// readBackOdds is the 1-in-n chance a worker reads instead of writes.
	readBackOdds = 4
	// overflowRetryMilliseconds is how long a worker backs off when the
	// submission queue pushes back.
	overflowRetryMilliseconds = 1
	// rateSampleWindowMilliseconds is the bandwidth window considered when
	// pacing a rate limited run.
	rateSampleWindowMilliseconds = 1000
	// ratePollMilliseconds is how often a paced worker rechecks the rate.
	ratePollMilliseconds = 10
)

type writeRecord struct {
	length uint64
	sum    [blake2b.Size256]byte
}

// workload drives one submission class with random sector aligned traffic.
// Each workload owns a disjoint slice of the device, so its semi synchronous
// bursts never overlap another worker's in flight ranges.
type workload struct {
	device             *blockmq.Device
	queue              *blockmq.SubmissionQueue
	pool               *blockmq.BufferPool
	verify             bool
	rateBytesPerSecond uint64
	errorChan          chan<- error

	sectorSize    uint64
	regionStart   uint64
	regionSectors uint64

	rng *rand.Rand

	recordLock sync.Mutex
	records    map[uint64]writeRecord
	offsets    []uint64
}

func newWorkload(
	device *blockmq.Device,
	class string,
	index int,
	count int,
	pool *blockmq.BufferPool,
	verify bool,
	rateBytesPerSecond uint64,
	errorChan chan<- error,
) *workload {
	info := device.Info()
	regionLength := info.Capacity / uint64(count)
	regionLength -= regionLength % info.SectorSize

	return &workload{
		device:             device,
		queue:              device.OpenQueue(class),
		pool:               pool,
		verify:             verify,
		rateBytesPerSecond: rateBytesPerSecond,
		errorChan:          errorChan,
		sectorSize:         info.SectorSize,
		regionStart:        uint64(index) * regionLength,
		regionSectors:      regionLength / info.SectorSize,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano() + int64(index))),
		records:            make(map[uint64]writeRecord),
	}
}

// run submits bursts until the context is canceled. It returns only after the
// completions of its last burst have landed, so the caller can Disconnect the
// device as soon as all workloads are done.
func (w *workload) run(ctx context.Context, waitGroup *sync.WaitGroup) {
	defer waitGroup.Done()

	if w.regionSectors == 0 {
		logrus.Warnf("Device too small to give %s a region, worker idle", w.queue.Class())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.throttle(ctx) {
			return
		}

		if w.verify && w.rng.Intn(readBackOdds) == 0 && w.readBack(ctx) {
			continue
		}
		w.writeBurst(ctx)
	}
}

// throttle waits while device throughput sits above the target rate.
// Every worker samples the shared device, so the aggregate settles at
// the target. Returns false when canceled while waiting.
func (w *workload) throttle(ctx context.Context) bool {
	if w.rateBytesPerSecond == 0 {
		return true
	}

	for w.currentRate() > w.rateBytesPerSecond {
		// We're going too fast, poll until the sample window drains
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ratePollMilliseconds * time.Millisecond):
		}
	}

	return true
}

func (w *workload) currentRate() uint64 {
	return w.device.SampleRate(blockmq.BytesRead, rateSampleWindowMilliseconds) +
		w.device.SampleRate(blockmq.BytesWritten, rateSampleWindowMilliseconds)
}

// writeBurst issues a run of adjacent writes, giving the submission queue
// something to merge, then waits for every completion.
func (w *workload) writeBurst(ctx context.Context) {
	chunks := 1 + w.rng.Intn(maxBurstChunks)
	base := w.randomSpanStart(uint64(chunks) * maxChunkSectors * w.sectorSize)

	burst := &sync.WaitGroup{}
	offset := base
	for i := 0; i < chunks; i++ {
		length := (1 + uint64(w.rng.Intn(maxChunkSectors))) * w.sectorSize
		if (offset+length-w.regionStart)/w.sectorSize > w.regionSectors {
			break
		}
		if !w.submitWrite(ctx, burst, offset, length) {
			break
		}
		offset += length
	}

	burst.Wait()
}

func (w *workload) submitWrite(ctx context.Context, burst *sync.WaitGroup, offset uint64, length uint64) bool {
	buffer := w.pool.Get(length)
	w.rng.Read(buffer)
	sum := blake2b.Sum256(buffer)
	segments := []blockmq.Segment{{Buffer: buffer, Offset: 0, Length: length}}

	handle, err := w.submitWithRetry(ctx, blockmq.Write, offset, length, segments)
	if err != nil {
		w.pool.Put(buffer)
		return false
	}

	burst.Add(1)
	handle.OnComplete(func(completionErr error) {
		if completionErr == nil && w.verify {
			w.record(offset, writeRecord{length: length, sum: sum})
		}
		w.pool.Put(buffer)
		burst.Done()
	})

	return true
}

// readBack rereads a previously acknowledged write and checks its checksum.
// Returns false when nothing has been recorded yet.
func (w *workload) readBack(ctx context.Context) bool {
	offset, record, ok := w.randomRecord()
	if !ok {
		return false
	}

	buffer := w.pool.Get(record.length)
	segments := []blockmq.Segment{{Buffer: buffer, Offset: 0, Length: record.length}}

	handle, err := w.submitWithRetry(ctx, blockmq.Read, offset, record.length, segments)
	if err != nil {
		w.pool.Put(buffer)
		return true
	}

	burst := &sync.WaitGroup{}
	burst.Add(1)
	handle.OnComplete(func(completionErr error) {
		if completionErr == nil {
			sum := blake2b.Sum256(buffer)
			if sum != record.sum {
				w.reportError(fmt.Errorf("Data mismatch at offset %d length %d", offset, record.length))
			}
		}
		w.pool.Put(buffer)
		burst.Done()
	})
	burst.Wait()

	return true
}

// submitWithRetry retries queue overflow pushback, reports anything else.
// Execution failures arrive on the handle, not here.
func (w *workload) submitWithRetry(
	ctx context.Context,
	direction blockmq.IOType,
	offset uint64,
	length uint64,
	segments []blockmq.Segment,
) (*blockmq.Handle, error) {
	for {
		var handle *blockmq.Handle
		var err error
		if direction == blockmq.Write {
			handle, err = w.device.SubmitWrite(w.queue, offset, length, segments)
		} else {
			handle, err = w.device.SubmitRead(w.queue, offset, length, segments)
		}
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, blockmq.ErrQueueOverflow) {
			w.reportError(err)
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(overflowRetryMilliseconds * time.Millisecond):
		}
	}
}

// randomSpanStart picks a sector aligned offset with at least spanBytes of
// region after it when the region is big enough, clamping otherwise.
func (w *workload) randomSpanStart(spanBytes uint64) uint64 {
	spanSectors := spanBytes / w.sectorSize
	available := w.regionSectors
	if spanSectors < available {
		available -= spanSectors
	}
	sector := uint64(w.rng.Int63n(int64(available)))

	return w.regionStart + sector*w.sectorSize
}

func (w *workload) record(offset uint64, record writeRecord) {
	w.recordLock.Lock()
	defer w.recordLock.Unlock()

	// A later write that overlaps a remembered range makes its checksum
	// stale, drop the old record before keeping the new one
	kept := w.offsets[:0]
	for _, existing := range w.offsets {
		prior := w.records[existing]
		if existing < offset+record.length && offset < existing+prior.length {
			delete(w.records, existing)
			continue
		}
		kept = append(kept, existing)
	}
	w.offsets = append(kept, offset)
	w.records[offset] = record
}

func (w *workload) randomRecord() (uint64, writeRecord, bool) {
	w.recordLock.Lock()
	defer w.recordLock.Unlock()

	if len(w.offsets) == 0 {
		return 0, writeRecord{}, false
	}
	offset := w.offsets[w.rng.Intn(len(w.offsets))]

	return offset, w.records[offset], true
}

// reportError is non blocking, main stops listening after the first error.
func (w *workload) reportError(err error) {
	select {
	case w.errorChan <- err:
	default:
	}
}
