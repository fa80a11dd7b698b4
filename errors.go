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
	"fmt"
)

// Structural errors. These surface synchronously from Submit and
// Cancel, before a block unit enters the queueing pipeline.
var (
	// ErrInvalidRange indicates a misaligned or out-of-bounds offset, length, or segment list
	ErrInvalidRange = errors.New("Invalid or misaligned block range")
	// ErrQueueOverflow indicates the submission queue (or every channel behind it) is at capacity.
	// The caller should retry later.
	ErrQueueOverflow = errors.New("Queue is at capacity")
	// ErrNotCancelable indicates the owning request already left the building state
	ErrNotCancelable = errors.New("Block unit can no longer be canceled")
	// ErrCanceled is delivered to the completion callback of a withdrawn block unit
	ErrCanceled = errors.New("Block unit was canceled")
)

// Execution failure kinds. These arrive asynchronously, wrapped in an
// IOError, on the completion callback of every block unit in a failed
// request.
var (
	// ErrMediaError indicates the device could not read or write the physical media
	ErrMediaError = errors.New("Media error")
	// ErrTimeout indicates the device did not answer within its own time budget
	ErrTimeout = errors.New("Device timeout")
	// ErrDeviceRemoved indicates the device (or one of its channels) is gone
	ErrDeviceRemoved = errors.New("Device removed")
)

// IOError is the structured error carried by a failed transfer, whether
// it was rejected synchronously or failed in execution. Kind is always
// one of the sentinels above, so callers can discriminate with
// errors.Is. Inner optionally carries the underlying error.
type IOError struct {
	Kind    error
	Channel int
	Offset  uint64
	Length  uint64
	Inner   error
}

// NewIOError builds the structured error a driver delivers when a request fails
func NewIOError(kind error, channel int, offset uint64, length uint64, inner error) *IOError {
	return &IOError{
		Kind:    kind,
		Channel: channel,
		Offset:  offset,
		Length:  length,
		Inner:   inner,
	}
}

func (e *IOError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s on channel %d (offset %d length %d): %s", e.Kind, e.Channel, e.Offset, e.Length, e.Inner)
	}

	return fmt.Sprintf("%s on channel %d (offset %d length %d)", e.Kind, e.Channel, e.Offset, e.Length)
}

// Is matches an IOError against its kind sentinel
func (e *IOError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap exposes the driver's underlying error, if any
func (e *IOError) Unwrap() error {
	return e.Inner
}
