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
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryDriver executes requests against a RAM image. Each advertised
// channel gets its own execution worker, so dispatch concurrency is
// real. Besides backing the examples it supports injecting faults,
// which is how the failure handling of the stack above gets exercised.
type MemoryDriver struct {
	data                 []byte
	capacity             uint64
	sectorSize           uint64
	channelCount         int
	depth                int
	completer            Completer
	execQueues           []chan *Request
	rangeLocker          *RangeLocker
	sectors              *sectorMap
	faultLock            *sync.Mutex
	faultKind            error
	faultCount           int
	terminationContext   context.Context
	terminationFunction  context.CancelFunc
	terminationWaitGroup *sync.WaitGroup
	log                  *logrus.Logger
}

// NewMemoryDriver constructs a RAM backed driver with the given
// geometry. The image starts zeroed.
func NewMemoryDriver(capacity uint64, channelCount int, depth int, log *logrus.Logger) (*MemoryDriver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if capacity == 0 || capacity%DefaultSectorSize != 0 {
		err := errors.New("Capacity must be a non-zero multiple of the sector size")
		log.Error(err)
		return nil, err
	}
	if channelCount < 1 || depth < 1 {
		err := errors.New("Channel count and depth must be at least one")
		log.Error(err)
		return nil, err
	}

	execQueues := make([]chan *Request, channelCount)
	for i := range execQueues {
		execQueues[i] = make(chan *Request, depth)
	}

	sectorRangePool := &sync.Pool{
		New: func() interface{} {
			return &SectorRange{}
		},
	}

	return &MemoryDriver{
		data:         make([]byte, capacity),
		capacity:     capacity,
		sectorSize:   DefaultSectorSize,
		channelCount: channelCount,
		depth:        depth,
		execQueues:   execQueues,
		rangeLocker:  NewRangeLocker(sectorRangePool),
		sectors:      newSectorMap(capacity/DefaultSectorSize, log),
		faultLock:    &sync.Mutex{},
		log:          log,
	}, nil
}

// Info advertises the driver geometry
func (m *MemoryDriver) Info() DeviceInfo {
	return DeviceInfo{
		ChannelCount:    m.channelCount,
		PerChannelDepth: m.depth,
		SectorSize:      m.sectorSize,
		Capacity:        m.capacity,
	}
}

// Attach stores the completer and starts the per channel execution
// workers
func (m *MemoryDriver) Attach(completer Completer) error {
	if m.completer != nil {
		return errors.New("Driver is already attached")
	}
	m.completer = completer

	ctx, cancel := context.WithCancel(context.Background())
	m.terminationContext = ctx
	m.terminationFunction = cancel
	m.terminationWaitGroup = &sync.WaitGroup{}

	for i := range m.execQueues {
		go m.processExecQueue(i)
	}

	return nil
}

// Execute accepts a dispatched request onto its channel's execution
// queue. The queueing layer never exceeds the advertised depth, so the
// send cannot block.
func (m *MemoryDriver) Execute(r *Request) {
	select {
	case m.execQueues[r.Channel()] <- r:
	default:
		m.log.Errorf("execution queue %d overrun", r.Channel())
		panic("execution queue overrun")
	}
}

// Detach stops the execution workers, failing anything accepted but
// never executed
func (m *MemoryDriver) Detach() {
	if m.completer == nil {
		return
	}

	m.terminationFunction()
	m.terminationWaitGroup.Wait()

	for i, queue := range m.execQueues {
		drained := false
		for !drained {
			select {
			case r := <-queue:
				m.completer.Complete(r, NewIOError(ErrDeviceRemoved, i, r.Offset(), r.Length(), nil))
			default:
				drained = true
			}
		}
	}

	m.completer = nil
}

// FailNext arranges for the next count executed requests to fail with
// the given error kind
func (m *MemoryDriver) FailNext(kind error, count int) {
	m.faultLock.Lock()
	m.faultKind = kind
	m.faultCount = count
	m.faultLock.Unlock()
}

// WrittenSectors returns how many distinct sectors have ever been
// written
func (m *MemoryDriver) WrittenSectors() uint64 {
	return m.sectors.totalWritten()
}

// TotalSectors returns the sector count of the image
func (m *MemoryDriver) TotalSectors() uint64 {
	return m.capacity / m.sectorSize
}

func (m *MemoryDriver) processExecQueue(ix int) {
	m.terminationWaitGroup.Add(1)
	defer m.terminationWaitGroup.Done()

	for !isCancelSignaled(m.terminationContext) {
		r := m.tryDequeue(ix, workerIdleMilliseconds)

		if r == nil {
			continue
		}

		m.completer.Complete(r, m.executeRequest(r))
	}
}

func (m *MemoryDriver) tryDequeue(ix int, waitMilliseconds int) *Request {
	select {
	case r := <-m.execQueues[ix]:
		return r
	case <-time.After(time.Duration(waitMilliseconds) * time.Millisecond):
		return nil
	}
}

func (m *MemoryDriver) executeRequest(r *Request) error {
	if err := m.nextFault(r); err != nil {
		return err
	}

	start, end := affectedSectorRange(r.Offset(), r.Length(), m.sectorSize)
	m.rangeLocker.LockRange(start, end)
	defer m.rangeLocker.UnlockRange(start, end)

	offset := r.Offset()
	if r.Direction() == Read {
		for _, s := range r.Segments() {
			copy(s.bytes(), m.data[offset:offset+s.Length])
			offset += s.Length
		}
	} else {
		for _, s := range r.Segments() {
			copy(m.data[offset:offset+s.Length], s.bytes())
			offset += s.Length
		}
		for i := start; i <= end; i++ {
			m.sectors.setSector(i, true)
		}
	}

	return nil
}

func (m *MemoryDriver) nextFault(r *Request) error {
	m.faultLock.Lock()
	defer m.faultLock.Unlock()

	if m.faultCount == 0 {
		return nil
	}
	m.faultCount--

	return NewIOError(m.faultKind, r.Channel(), r.Offset(), r.Length(), nil)
}
