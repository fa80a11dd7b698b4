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

func TestIOErrorMatchesItsKindSentinel(t *testing.T) {
	kinds := []error{ErrInvalidRange, ErrMediaError, ErrTimeout, ErrDeviceRemoved}

	for _, kind := range kinds {
		ioErr := NewIOError(kind, 0, 0, 512, nil)
		assert.True(t, errors.Is(ioErr, kind))

		for _, other := range kinds {
			if other == kind {
				continue
			}
			assert.False(t, errors.Is(ioErr, other))
		}
	}
}

func TestIOErrorExposesItsInnerError(t *testing.T) {
	inner := errors.New("the disk fell out")
	ioErr := NewIOError(ErrMediaError, 1, 0, 512, inner)

	assert.True(t, errors.Is(ioErr, inner))
	assert.Equal(t, inner, errors.Unwrap(ioErr))
}

func TestIOErrorDescribesItself(t *testing.T) {
	bare := NewIOError(ErrMediaError, 2, 4096, 8192, nil)
	assert.Equal(t, "Media error on channel 2 (offset 4096 length 8192)", bare.Error())

	wrapped := NewIOError(ErrTimeout, 0, 0, 512, errors.New("deadline blown"))
	assert.Equal(t, "Device timeout on channel 0 (offset 0 length 512): deadline blown", wrapped.Error())
}

func TestErrorSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidRange,
		ErrQueueOverflow,
		ErrNotCancelable,
		ErrCanceled,
		ErrMediaError,
		ErrTimeout,
		ErrDeviceRemoved,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b))
		}
	}
}

func TestErrorsAsRecoversTheStructuredError(t *testing.T) {
	var ioErr *IOError

	err := NewIOError(ErrDeviceRemoved, 3, 512, 1024, nil)
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, ErrDeviceRemoved, ioErr.Kind)
	assert.Equal(t, 3, ioErr.Channel)
	assert.Equal(t, uint64(512), ioErr.Offset)
	assert.Equal(t, uint64(1024), ioErr.Length)

	assert.False(t, errors.As(ErrQueueOverflow, &ioErr))
}
