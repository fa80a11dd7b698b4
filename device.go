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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Device is the top of the queueing stack. Callers open submission
// queues on it and submit block units, the device merges, schedules and
// routes the resulting requests, and the attached driver executes them.
type Device struct {
	driver               Driver
	config               *Config
	info                 DeviceInfo
	policy               SchedulerPolicy
	channels             []*dispatchChannel
	queues               []*SubmissionQueue
	queuesLock           *sync.Mutex
	seqSource            uint64
	requestPool          *sync.Pool
	eventPool            *sync.Pool
	completionQueue      chan *completionEvent
	pumpKick             chan struct{}
	tracker              *ioActionTracker
	classLoads           *classLoadTracker
	terminationContext   context.Context
	terminationFunction  context.CancelFunc
	terminationWaitGroup *sync.WaitGroup
	connected            bool
	connectLock          *sync.Mutex
	completerLock        *sync.RWMutex
	mergeWindow          time.Duration
	maxLatency           time.Duration
	log                  *logrus.Logger
}

// Config contains the tuning knobs for a device. The zero value of
// every field means "use the default", except ChannelCount and
// PerChannelDepth whose defaults are whatever the driver advertises.
type Config struct {
	Policy            PolicyType
	MaxMergeBytes     uint64
	MergeWindowMicros uint64
	MaxLatencyMicros  uint64
	ChannelCount      int
	PerChannelDepth   int
	MaxQueuedRequests int
	OfflineThreshold  int
	Log               *logrus.Logger
}

// New constructs a Device on top of a driver and attaches to it
func New(driver Driver, config *Config) (*Device, error) {
	if driver == nil {
		err := errors.New("Driver cannot be nil")
		logrus.StandardLogger().Error(err)
		return nil, err
	}

	info := driver.Info()
	config, err := setDefaultsAndCopy(config, info)
	if err != nil {
		return nil, err
	}

	if info.SectorSize == 0 {
		info.SectorSize = DefaultSectorSize
	}
	info.ChannelCount = config.ChannelCount
	info.PerChannelDepth = config.PerChannelDepth

	requestPool := &sync.Pool{
		New: func() interface{} {
			return &Request{channelID: -1}
		},
	}
	eventPool := &sync.Pool{
		New: func() interface{} {
			return &completionEvent{}
		},
	}
	classLoads := newClassLoadTracker()

	channels := make([]*dispatchChannel, config.ChannelCount)
	for i := range channels {
		channels[i] = newDispatchChannel(i, config.PerChannelDepth)
	}

	device := &Device{
		driver:          driver,
		config:          config,
		info:            info,
		policy:          newSchedulerPolicy(config.Policy, classLoads),
		channels:        channels,
		queues:          make([]*SubmissionQueue, 0),
		queuesLock:      &sync.Mutex{},
		requestPool:     requestPool,
		eventPool:       eventPool,
		completionQueue: make(chan *completionEvent, completionQueueCapacity),
		pumpKick:        make(chan struct{}, 1),
		tracker:         newIOActionTracker(),
		classLoads:      classLoads,
		connectLock:     &sync.Mutex{},
		completerLock:   &sync.RWMutex{},
		mergeWindow:     time.Duration(config.MergeWindowMicros) * time.Microsecond,
		maxLatency:      time.Duration(config.MaxLatencyMicros) * time.Microsecond,
		log:             config.Log,
	}

	if err := driver.Attach(device); err != nil {
		return nil, fmt.Errorf("could not attach driver: %s", err)
	}

	return device, nil
}

func setDefaultsAndCopy(config *Config, info DeviceInfo) (*Config, error) {
	if config == nil {
		config = &Config{}
	}

	newConfig := &Config{
		Policy:            config.Policy,
		MaxMergeBytes:     config.MaxMergeBytes,
		MergeWindowMicros: config.MergeWindowMicros,
		MaxLatencyMicros:  config.MaxLatencyMicros,
		ChannelCount:      config.ChannelCount,
		PerChannelDepth:   config.PerChannelDepth,
		MaxQueuedRequests: config.MaxQueuedRequests,
		OfflineThreshold:  config.OfflineThreshold,
		Log:               config.Log,
	}

	if newConfig.Log == nil {
		newConfig.Log = logrus.StandardLogger()
	}

	if newConfig.Policy != PolicyFIFO && newConfig.Policy != PolicyDeadline && newConfig.Policy != PolicyFairness {
		err := fmt.Errorf("Unknown scheduler policy %d", newConfig.Policy)
		newConfig.Log.Error(err)
		return nil, err
	}

	if info.ChannelCount < 1 || info.PerChannelDepth < 1 {
		err := errors.New("Driver must advertise at least one channel with depth one")
		newConfig.Log.Error(err)
		return nil, err
	}

	if newConfig.ChannelCount == 0 {
		newConfig.ChannelCount = info.ChannelCount
	}
	if newConfig.ChannelCount < 0 || newConfig.ChannelCount > info.ChannelCount {
		err := fmt.Errorf("Channel count %d outside the driver's advertised range", newConfig.ChannelCount)
		newConfig.Log.Error(err)
		return nil, err
	}

	if newConfig.PerChannelDepth == 0 {
		newConfig.PerChannelDepth = info.PerChannelDepth
	}
	if newConfig.PerChannelDepth < 0 || newConfig.PerChannelDepth > info.PerChannelDepth {
		err := fmt.Errorf("Per channel depth %d outside the driver's advertised range", newConfig.PerChannelDepth)
		newConfig.Log.Error(err)
		return nil, err
	}

	if newConfig.MaxMergeBytes == 0 {
		newConfig.MaxMergeBytes = DefaultMaxMergeBytes
	}
	sectorSize := info.SectorSize
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	if newConfig.MaxMergeBytes < sectorSize {
		err := fmt.Errorf("Max merge bytes %d smaller than the sector size %d", newConfig.MaxMergeBytes, sectorSize)
		newConfig.Log.Error(err)
		return nil, err
	}

	if newConfig.MergeWindowMicros == 0 {
		newConfig.MergeWindowMicros = DefaultMergeWindowMicros
	}
	if newConfig.MaxLatencyMicros == 0 {
		newConfig.MaxLatencyMicros = DefaultMaxLatencyMicros
	}
	if newConfig.MaxQueuedRequests == 0 {
		newConfig.MaxQueuedRequests = DefaultMaxQueuedRequests
	}
	if newConfig.OfflineThreshold == 0 {
		newConfig.OfflineThreshold = DefaultOfflineThreshold
	}

	return newConfig, nil
}

// Info returns the effective geometry of the device, after the config
// has been reconciled with what the driver advertises
func (d *Device) Info() DeviceInfo {
	return d.info
}

// OpenQueue opens a new submission queue for one submitting goroutine.
// The class label groups queues for the fairness policy, callers that
// should share a fairness bucket open their queues with the same class.
func (d *Device) OpenQueue(class string) *SubmissionQueue {
	d.queuesLock.Lock()
	id := len(d.queues)
	queue := newSubmissionQueue(d, id, class)
	d.queues = append(d.queues, queue)
	d.queuesLock.Unlock()

	return queue
}

// SubmitRead submits one read block unit on the given queue. The
// returned handle completes once with the result. Segment memory is
// caller owned and must stay untouched until then.
func (d *Device) SubmitRead(queue *SubmissionQueue, offset uint64, length uint64, segments []Segment) (*Handle, error) {
	d.log.Debugf("[Device] READ offset:%d len:%d", offset, length)
	return d.submit(queue, Read, offset, length, segments)
}

// SubmitWrite submits one write block unit on the given queue. The
// returned handle completes once with the result. Segment memory is
// caller owned and must stay untouched until then.
func (d *Device) SubmitWrite(queue *SubmissionQueue, offset uint64, length uint64, segments []Segment) (*Handle, error) {
	d.log.Debugf("[Device] WRITE offset:%d len:%d", offset, length)
	return d.submit(queue, Write, offset, length, segments)
}

func (d *Device) submit(queue *SubmissionQueue, ioType IOType, offset uint64, length uint64, segments []Segment) (*Handle, error) {
	if err := d.validateTransfer(queue, offset, length, segments); err != nil {
		return nil, err
	}

	b := newBio(ioType, offset, length, segments)
	b.queue = queue

	if err := queue.submit(b); err != nil {
		return nil, err
	}

	d.tracker.recordAction(BioSubmit, 1)
	d.kickPump()

	return b.handle, nil
}

func (d *Device) validateTransfer(queue *SubmissionQueue, offset uint64, length uint64, segments []Segment) error {
	if queue == nil {
		return errors.New("Submission queue cannot be nil")
	}

	sectorSize := d.info.SectorSize
	if length == 0 || !isSectorAligned(offset, sectorSize) || !isSectorAligned(length, sectorSize) {
		return NewIOError(ErrInvalidRange, -1, offset, length, nil)
	}

	end := offset + length
	if end < offset {
		return NewIOError(ErrInvalidRange, -1, offset, length, nil)
	}
	if d.info.Capacity > 0 && end > d.info.Capacity {
		return NewIOError(ErrInvalidRange, -1, offset, length, nil)
	}

	// A single block unit may not exceed the merge cap, callers split
	// oversized transfers themselves
	if length > d.config.MaxMergeBytes {
		return NewIOError(ErrInvalidRange, -1, offset, length, nil)
	}

	if len(segments) == 0 {
		return NewIOError(ErrInvalidRange, -1, offset, length, nil)
	}
	total := uint64(0)
	for i := range segments {
		s := &segments[i]
		if s.Length == 0 || s.Offset+s.Length > uint64(len(s.Buffer)) {
			return NewIOError(ErrInvalidRange, -1, offset, length, nil)
		}
		total += s.Length
	}
	if total != length {
		return NewIOError(ErrInvalidRange, -1, offset, length, nil)
	}

	return nil
}

// Connect is a non-blocking function that begins queue processing.
// Until Connect, submissions accumulate in their queues and nothing is
// dispatched.
func (d *Device) Connect() error {
	d.connectLock.Lock()
	defer d.connectLock.Unlock()

	if d.connected {
		return errors.New("Device is already connected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	waitGroup := &sync.WaitGroup{}

	d.terminationContext = ctx
	d.terminationFunction = cancel
	d.terminationWaitGroup = waitGroup

	d.ProcessQueues(ctx, waitGroup)
	d.connected = true

	return nil
}

// Disconnect stops queue processing and detaches the driver. This call
// blocks while in flight requests settle. Anything still undispatched
// fails with ErrDeviceRemoved, so every outstanding handle completes
// before Disconnect returns.
func (d *Device) Disconnect() {
	d.connectLock.Lock()
	if !d.connected {
		d.connectLock.Unlock()
		return
	}
	d.connected = false
	d.connectLock.Unlock()

	d.terminationFunction()
	d.terminationWaitGroup.Wait()

	// Hold the write side until completers that saw a connected device
	// have handed off, nothing can reach the queue after this
	d.completerLock.Lock()
	d.completerLock.Unlock()

	d.drainCompletions()
	d.driver.Detach()
	d.failPending()
}

// ProcessQueues is a non-blocking function that begins required background
// processing for this Device. Backgrounded processes increment the provided
// WaitGroup, and self terminate when cancellation is signalled on the
// provided Context.
func (d *Device) ProcessQueues(ctx context.Context, waitGroup *sync.WaitGroup) {
	go d.tracker.processQueue(ctx, waitGroup)
	go d.processSubmissionPump()
	for _, c := range d.channels {
		go d.processDispatchChannel(c)
	}
	for i := 0; i < completionWorkerCount; i++ {
		go d.processCompletionQueue()
	}
}

// SampleRate returns the rate (in actions or bytes per second) for the given interval
func (d *Device) SampleRate(actionType QueueActionType, intervalMilliseconds uint64) uint64 {
	count := float64(d.tracker.Sample(actionType, intervalMilliseconds))
	seconds := float64(intervalMilliseconds) / float64(1000)

	return uint64(count / seconds)
}

// processSubmissionPump moves finalized requests from submission queues
// onto dispatch channels until cancellation
func (d *Device) processSubmissionPump() {
	d.terminationWaitGroup.Add(1)
	defer d.terminationWaitGroup.Done()

	for !isCancelSignaled(d.terminationContext) {
		if d.pumpOnce() {
			continue
		}

		select {
		case <-d.pumpKick:
		case <-time.After(pumpIdleMilliseconds * time.Millisecond):
		case <-d.terminationContext.Done():
		}
	}
}

// pumpOnce drains every queue once. Requests that find no channel
// capacity return to their queue and retry after the next completion
// frees a slot. Requests whose affine channel is gone fail fast.
func (d *Device) pumpOnce() bool {
	queues := d.snapshotQueues()
	progress := false

	for _, queue := range queues {
		batch := queue.drainReady()
		for i, r := range batch {
			err := d.route(r)
			if err == nil {
				progress = true
				continue
			}

			if errors.Is(err, ErrQueueOverflow) {
				queue.requeue(batch[i:])
				break
			}

			d.Complete(r, err)
			progress = true
		}
	}

	return progress
}

func (d *Device) snapshotQueues() []*SubmissionQueue {
	d.queuesLock.Lock()
	queues := make([]*SubmissionQueue, len(d.queues))
	copy(queues, d.queues)
	d.queuesLock.Unlock()

	return queues
}

// kickPump nudges the submission pump without blocking
func (d *Device) kickPump() {
	select {
	case d.pumpKick <- struct{}{}:
	default:
	}
}

func (d *Device) isConnected() bool {
	d.connectLock.Lock()
	defer d.connectLock.Unlock()

	return d.connected
}

// failPending settles everything that never reached the driver during
// teardown
func (d *Device) failPending() {
	for _, c := range d.channels {
		c.lock.Lock()
		orphans := c.pending
		c.pending = make([]*Request, 0)
		c.lock.Unlock()

		for _, r := range orphans {
			d.Complete(r, NewIOError(ErrDeviceRemoved, c.id, r.offset, r.length, nil))
		}
	}

	for _, queue := range d.snapshotQueues() {
		for _, r := range queue.drainAll() {
			d.Complete(r, NewIOError(ErrDeviceRemoved, -1, r.offset, r.length, nil))
		}
	}
}

func (d *Device) newRequest() *Request {
	return d.requestPool.Get().(*Request)
}

func (d *Device) recycleRequest(r *Request) {
	r.reset()
	d.requestPool.Put(r)
}
