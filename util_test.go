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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleSectorRange(t *testing.T) {
	start, end := affectedSectorRange(0, 1, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(0), end)
}

func TestTinyOverlappingSectorRange(t *testing.T) {
	start, end := affectedSectorRange(DefaultSectorSize-1, 2, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(1), end)
}

func TestTinyNonOverlappingSectorRange(t *testing.T) {
	start, end := affectedSectorRange(DefaultSectorSize-1, 1, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(0), end)
}

func TestMultiOverlappingSectorRange(t *testing.T) {
	start, end := affectedSectorRange(DefaultSectorSize-1, DefaultSectorSize+2, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(2), end)
}

func TestWholeSectorRange(t *testing.T) {
	start, end := affectedSectorRange(0, DefaultSectorSize, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(0), end)
}

func TestTwoWholeSectorsRange(t *testing.T) {
	start, end := affectedSectorRange(0, 2*DefaultSectorSize, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(1), end)
}

func TestMidSectorRange(t *testing.T) {
	start, end := affectedSectorRange(DefaultSectorSize/2, DefaultSectorSize/2, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(0), end)
}

func TestMidSectorOverlappingRange(t *testing.T) {
	start, end := affectedSectorRange(DefaultSectorSize/2, (DefaultSectorSize/2)+1, DefaultSectorSize)

	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(1), end)
}

func TestSectorAlignment(t *testing.T) {
	assert.True(t, isSectorAligned(0, DefaultSectorSize))
	assert.True(t, isSectorAligned(DefaultSectorSize, DefaultSectorSize))
	assert.True(t, isSectorAligned(DefaultSectorSize*7, DefaultSectorSize))
	assert.False(t, isSectorAligned(1, DefaultSectorSize))
	assert.False(t, isSectorAligned(DefaultSectorSize-1, DefaultSectorSize))
	assert.False(t, isSectorAligned(DefaultSectorSize+1, DefaultSectorSize))
}

func TestUint64RoundTrip(t *testing.T) {
	serialized := uint64ToBytes(1234567891011)
	reader := bytes.NewReader(serialized)

	deserialized, err := readUint64(reader)

	assert.Nil(t, err)
	assert.Equal(t, uint64(1234567891011), deserialized)
}

func TestReadUint64FailsOnShortBuffer(t *testing.T) {
	reader := bytes.NewReader([]byte{1, 2, 3})

	_, err := readUint64(reader)

	assert.Error(t, err)
}
