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
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"
)

// sectorMap is mostly a thin wrapper around
// https://github.com/RoaringBitmap/roaring (compressed bitmap library)
// providing thread safety. We also handle sector maps that are larger
// than uint32 (largest index supported by roaring) by storing a
// slice of bitmaps, rather than just one.
//
// Drivers use this to track which sectors have ever been written, so
// reads of untouched sectors can be satisfied with zeros without
// touching backing storage.
type sectorMap struct {
	bitmaps []*roaring.Bitmap
	lock    *sync.Mutex
	size    uint64
	logger  *logrus.Logger
	written uint64
}

// newSectorMap initializes a sectorMap covering size sectors
func newSectorMap(size uint64, logger *logrus.Logger) *sectorMap {
	bitmapCount := (size / math.MaxUint32) + 1
	bitmaps := make([]*roaring.Bitmap, 0)

	for i := uint64(0); i < bitmapCount; i++ {
		bitmaps = append(bitmaps, roaring.New())
	}

	return &sectorMap{
		bitmaps,
		&sync.Mutex{},
		size,
		logger,
		0,
	}
}

// setSector marks a sector as written or unwritten
func (sm *sectorMap) setSector(sector uint64, written bool) {
	if sector >= sm.size {
		sm.logger.Errorf("sector %d out of range", sector)
		panic(fmt.Sprintf("sector %d out of range", sector))
	}

	bitmap := sector / math.MaxUint32
	bitmapIx := uint32(sector % math.MaxUint32)

	sm.lock.Lock()
	if written {
		if sm.bitmaps[bitmap].CheckedAdd(bitmapIx) {
			sm.written++
		}
	} else {
		if sm.bitmaps[bitmap].CheckedRemove(bitmapIx) {
			sm.written--
		}
	}
	sm.lock.Unlock()
}

// isWritten checks if a sector has ever been written
func (sm *sectorMap) isWritten(sector uint64) bool {
	if sector >= sm.size {
		sm.logger.Errorf("sector %d out of range", sector)
		panic(fmt.Sprintf("sector %d out of range", sector))
	}

	bitmap := sector / math.MaxUint32
	bitmapIx := uint32(sector % math.MaxUint32)

	sm.lock.Lock()
	isWritten := sm.bitmaps[bitmap].Contains(bitmapIx)
	sm.lock.Unlock()

	return isWritten
}

// totalWritten returns how many sectors have been written
func (sm *sectorMap) totalWritten() uint64 {
	sm.lock.Lock()
	totalWritten := sm.written
	sm.lock.Unlock()

	return totalWritten
}

func (sm *sectorMap) serialize() ([]byte, error) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	returnBytes := make([]byte, 0)
	for _, bitmap := range sm.bitmaps {
		currentBytes, err := bitmap.ToBytes()
		if err != nil {
			return nil, err
		}
		intLen := len(currentBytes)
		lenHeader := uint64ToBytes(uint64(intLen))
		returnBytes = append(returnBytes, lenHeader...)
		returnBytes = append(returnBytes, currentBytes...)
	}

	// Terminate with a 64 bit int 0 value
	returnBytes = append(returnBytes, uint64ToBytes(0)...)

	return returnBytes, nil
}

func (sm *sectorMap) deserialize(content []byte, ix int) error {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	_, err := sm.bitmaps[ix].FromBuffer(content)

	// Recalculate the written counter, so usage accounting isn't wonky
	sm.written = 0
	for _, currentBitmap := range sm.bitmaps {
		sm.written += currentBitmap.GetCardinality()
	}

	return err
}
