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
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeTestWorkload() *workload {
	return &workload{
		sectorSize:    512,
		regionStart:   4096,
		regionSectors: 16,
		rng:           rand.New(rand.NewSource(42)),
		records:       make(map[uint64]writeRecord),
	}
}

func TestRandomSpansStayInsideTheRegion(t *testing.T) {
	w := makeTestWorkload()
	regionEnd := w.regionStart + w.regionSectors*w.sectorSize

	for i := 0; i < 1000; i++ {
		start := w.randomSpanStart(4096)

		assert.True(t, start >= w.regionStart)
		assert.True(t, start+4096 <= regionEnd)
		assert.Equal(t, uint64(0), start%w.sectorSize)
	}
}

func TestWriteRecordsReplaceInPlace(t *testing.T) {
	w := makeTestWorkload()

	w.record(4096, writeRecord{length: 512})
	w.record(4096, writeRecord{length: 1024})
	w.record(8192, writeRecord{length: 512})

	assert.Equal(t, 2, len(w.offsets))
	assert.Equal(t, uint64(1024), w.records[4096].length)
}

func TestOverlappingWritesDropStaleRecords(t *testing.T) {
	w := makeTestWorkload()

	w.record(4096, writeRecord{length: 4096})
	w.record(4608, writeRecord{length: 512})

	assert.Equal(t, []uint64{4608}, w.offsets)
	_, stale := w.records[4096]
	assert.False(t, stale)
	assert.Equal(t, uint64(512), w.records[4608].length)
}

func TestPartialOverlapsDropStaleRecordsOnBothSides(t *testing.T) {
	w := makeTestWorkload()

	w.record(4096, writeRecord{length: 1024})
	w.record(6144, writeRecord{length: 1024})
	w.record(8192, writeRecord{length: 512})
	w.record(4608, writeRecord{length: 2048})

	assert.Equal(t, []uint64{8192, 4608}, w.offsets)
	assert.Equal(t, 2, len(w.records))
}

func TestAdjacentRecordsAreKept(t *testing.T) {
	w := makeTestWorkload()

	w.record(4096, writeRecord{length: 512})
	w.record(4608, writeRecord{length: 512})

	assert.Equal(t, []uint64{4096, 4608}, w.offsets)
	assert.Equal(t, 2, len(w.records))
}

func TestRandomRecordCoversTheHistory(t *testing.T) {
	w := makeTestWorkload()
	w.record(4096, writeRecord{length: 512})
	w.record(8192, writeRecord{length: 1024})

	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		offset, record, ok := w.randomRecord()

		assert.True(t, ok)
		assert.Equal(t, w.records[offset].length, record.length)
		seen[offset] = true
	}

	assert.True(t, seen[4096])
	assert.True(t, seen[8192])
}

func TestRandomRecordWithNoHistory(t *testing.T) {
	w := makeTestWorkload()

	_, _, ok := w.randomRecord()

	assert.False(t, ok)
}

func TestErrorReportingNeverBlocks(t *testing.T) {
	errorChan := make(chan error, 1)
	w := makeTestWorkload()
	w.errorChan = errorChan

	w.reportError(errors.New("first"))
	w.reportError(errors.New("second"))

	assert.EqualError(t, <-errorChan, "first")
}

func TestUnlimitedWorkloadsNeverPace(t *testing.T) {
	// No device is wired up, so sampling the rate would panic
	w := makeTestWorkload()

	assert.True(t, w.throttle(context.Background()))
}
