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
	"github.com/stretchr/testify/mock"
)

func TestAffineChannelIsStableAndInRange(t *testing.T) {
	for queueID := 0; queueID < 10; queueID++ {
		for channelCount := 1; channelCount <= 5; channelCount++ {
			first := affineChannel(queueID, channelCount)
			second := affineChannel(queueID, channelCount)

			assert.Equal(t, first, second)
			assert.True(t, first >= 0)
			assert.True(t, first < channelCount)
		}
	}
}

func TestRequestsFollowTheirAffineChannel(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	mockNow(3)
	batch := queue.drainReady()
	assert.Equal(t, 1, len(batch))

	assert.Nil(t, device.route(batch[0]))

	affine := affineChannel(queue.ID(), len(device.channels))
	assert.Equal(t, affine, batch[0].Channel())
	assert.Equal(t, 1, len(device.channels[affine].pending))
}

func TestFallbackPicksTheLeastOccupiedChannel(t *testing.T) {
	device, _ := newTestDevice(t, &Config{ChannelCount: 3, PerChannelDepth: 2})
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	mockNow(3)
	batch := queue.drainReady()
	assert.Equal(t, 1, len(batch))

	affine := affineChannel(queue.ID(), 3)
	full := device.channels[affine]
	full.pending = []*Request{{}, {}}
	busy := device.channels[(affine+1)%3]
	busy.inFlight = 1
	idle := device.channels[(affine+2)%3]

	assert.Nil(t, device.route(batch[0]))

	assert.Equal(t, idle.id, batch[0].Channel())
	assert.Equal(t, 1, len(idle.pending))
	assert.Equal(t, 0, len(busy.pending))
}

func TestRouteFailsFastWhenTheAffineChannelIsOffline(t *testing.T) {
	device, _ := newTestDevice(t, nil)
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	mockNow(3)
	batch := queue.drainReady()

	affine := affineChannel(queue.ID(), len(device.channels))
	device.channels[affine].offline = true

	err := device.route(batch[0])

	assert.True(t, errors.Is(err, ErrDeviceRemoved))
	var ioErr *IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, affine, ioErr.Channel)
	for _, c := range device.channels {
		assert.Equal(t, 0, len(c.pending))
	}
}

func TestRouteOverflowsWhenEveryChannelIsFull(t *testing.T) {
	device, _ := newTestDevice(t, &Config{ChannelCount: 2, PerChannelDepth: 1})
	queue := device.OpenQueue("test")
	mockNow(0)

	device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	mockNow(3)
	batch := queue.drainReady()

	device.channels[0].pending = []*Request{{}}
	device.channels[1].pending = []*Request{{}}

	err := device.route(batch[0])

	assert.Equal(t, ErrQueueOverflow, err)
	assert.Equal(t, -1, batch[0].Channel())
}

func TestOverflowedRequestsRetryAfterASlotFrees(t *testing.T) {
	device, mockDriver := newTestDevice(t, &Config{ChannelCount: 1, PerChannelDepth: 1})
	executed := make([]*Request, 0)
	mockDriver.On("Execute", mock.Anything).Run(func(args mock.Arguments) {
		executed = append(executed, args.Get(0).(*Request))
	}).Return()
	queue := device.OpenQueue("test")
	mockNow(0)

	first, _ := device.SubmitWrite(queue, 0, 4096, makeSegments(4096))
	second, _ := device.SubmitWrite(queue, 16384, 4096, makeSegments(4096))
	mockNow(3)

	assert.True(t, device.pumpOnce())
	assert.Equal(t, 1, len(device.channels[0].pending))

	assert.NotNil(t, device.dispatchNext(device.channels[0]))
	assert.Equal(t, 1, len(executed))
	assert.Equal(t, uint64(0), executed[0].Offset())

	// The held back request routes once the channel's pending slot frees,
	// but depth one blocks dispatch until the first completes
	assert.True(t, device.pumpOnce())
	assert.Nil(t, device.dispatchNext(device.channels[0]))

	device.Complete(executed[0], nil)
	assert.True(t, first.IsComplete())
	assert.Nil(t, first.Err())

	assert.NotNil(t, device.dispatchNext(device.channels[0]))
	assert.Equal(t, 2, len(executed))
	assert.Equal(t, uint64(16384), executed[1].Offset())

	device.Complete(executed[1], nil)
	assert.True(t, second.IsComplete())
	assert.Nil(t, second.Err())
}

func TestWorkerKicksNeverBlock(t *testing.T) {
	c := newDispatchChannel(0, 1)

	c.kickWorker()
	c.kickWorker()

	assert.Equal(t, 0, c.inFlight)
}
