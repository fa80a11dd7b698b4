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
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	seekData = 3
	seekHole = 4
)

var sysSeek = syscall.Seek

// scanAllocatedRanges walks the backing file's extents and marks every
// sector overlapping allocated data as written. It stands in for a lost
// sector map sidecar: anything the filesystem holds data for must be
// read from disk, while holes keep the zero read shortcut. Sectors only
// partially covered by an extent are marked too, overcounting written
// space is safe where undercounting is not.
func scanAllocatedRanges(file ReadOnlyFile, limit uint64, sectors *sectorMap, log *logrus.Logger) {
	// Without a real descriptor there are no extents to walk
	fd := int(file.Fd())
	if fd == 0 || limit == 0 {
		return
	}

	currentOffset := int64(0)
	currentSeekMode := seekData

	for currentOffset < int64(limit)-1 {
		newOffset, err := sysSeek(fd, currentOffset, currentSeekMode)
		if err != nil {
			// Seeking data past the last extent answers ENXIO, the rest
			// of the file is one big hole
			if errnoOf(err) != unix.ENXIO {
				log.Warnf("Allocation scan stopped early: %s", err)
			}
			break
		}

		if currentOffset == newOffset {
			// Already inside what we're seeking for, flip the mode
			currentSeekMode = swapSeek(currentSeekMode)
			continue
		}

		if currentSeekMode == seekHole {
			// We were seeking a hole, so currentOffset => newOffset-1 is
			// an allocated extent
			endByte := uint64(newOffset - 1)
			if endByte >= limit {
				endByte = limit - 1
			}
			markAllocated(sectors, uint64(currentOffset), endByte)
		}

		currentSeekMode = swapSeek(currentSeekMode)
		currentOffset = newOffset
	}
}

func markAllocated(sectors *sectorMap, startByte uint64, endByte uint64) {
	start, end := affectedSectorRange(startByte, endByte-startByte+1, DefaultSectorSize)
	for i := start; i <= end; i++ {
		sectors.setSector(i, true)
	}
}

func swapSeek(currentSeekMode int) (newSeekMode int) {
	if currentSeekMode == seekData {
		return seekHole
	}

	return seekData
}
