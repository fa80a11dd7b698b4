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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// uint64ToBytes returns the little endian representation of an unsigned 64 bit int
func uint64ToBytes(i uint64) []byte {
	returnBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(returnBytes, i)

	return returnBytes
}

func readUint64(r *bytes.Reader) (uint64, error) {
	littleEndianBytes := make([]byte, 8)
	n, err := r.Read(littleEndianBytes)
	if err != nil {
		return 0, err
	}

	if n != 8 {
		return 0, fmt.Errorf("Attempted to read 8 byte int but only got %d bytes", n)
	}

	return binary.LittleEndian.Uint64(littleEndianBytes), nil
}

// affectedSectorRange returns the inclusive sector span touched by a byte range
func affectedSectorRange(off uint64, length uint64, sectorSize uint64) (uint64, uint64) {
	return off / sectorSize, (off + (length - 1)) / sectorSize
}

// isSectorAligned returns true if the provided _byte_ index is the first byte in a sector
func isSectorAligned(ix uint64, sectorSize uint64) bool {
	return ix%sectorSize == 0
}

func panicOnError(err error, log *logrus.Logger) {
	if err == nil {
		return
	}

	log.Error(err)
	panic(err)
}

func isCancelSignaled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		// Do nothing if there is no signal to cancel
		return false
	}
}
