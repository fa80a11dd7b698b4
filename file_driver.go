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
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const sectorMapSuffix = ".map"

// FileDriver executes requests against a flat backing file using
// vectored positioned I/O. A roaring sector map rides along in a
// sidecar file so reads inside never written space skip the disk
// entirely. The sidecar is advisory, when it is missing or damaged the
// map is rebuilt from the file's allocated extents instead.
type FileDriver struct {
	fileName             string
	mapFileName          string
	file                 File
	fs                   FileSystem
	capacity             uint64
	sectorSize           uint64
	channelCount         int
	depth                int
	completer            Completer
	execQueues           []chan *Request
	rangeLocker          *RangeLocker
	sectors              *sectorMap
	terminationContext   context.Context
	terminationFunction  context.CancelFunc
	terminationWaitGroup *sync.WaitGroup
	log                  *logrus.Logger
}

// NewFileDriver opens (or creates) the backing file and sizes it to
// capacity. A zero capacity adopts the existing file's size.
func NewFileDriver(fileName string, fs FileSystem, capacity uint64, channelCount int, depth int, log *logrus.Logger) (*FileDriver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if fs == nil {
		fs = LocalFs{}
	}

	if channelCount < 1 || depth < 1 {
		err := errors.New("Channel count and depth must be at least one")
		log.Error(err)
		return nil, err
	}

	existingSize := int64(-1)
	if info, err := fs.Stat(fileName); err == nil {
		existingSize = info.Size()
	}

	if capacity == 0 {
		if existingSize <= 0 {
			err := errors.New("Capacity required when creating a new backing file")
			log.Error(err)
			return nil, err
		}
		capacity = uint64(existingSize)
	}
	if capacity%DefaultSectorSize != 0 {
		err := errors.Errorf("Capacity %d is not a multiple of the sector size", capacity)
		log.Error(err)
		return nil, err
	}

	file, err := fs.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open backing file")
	}

	sectors := newSectorMap(capacity/DefaultSectorSize, log)
	mapFileName := fileName + sectorMapSuffix
	if !loadSectorMapFile(fs, mapFileName, sectors, log) && existingSize > 0 {
		// Adopting a file without a usable sidecar, rebuild the map from
		// allocation before the file gets extended
		scanLimit := uint64(existingSize)
		if scanLimit > capacity {
			scanLimit = capacity
		}
		scanAllocatedRanges(file, scanLimit, sectors, log)
	}

	if existingSize < int64(capacity) {
		if err := sizeBackingFile(file, capacity); err != nil {
			return nil, errors.Wrap(err, "could not size backing file")
		}
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

	return &FileDriver{
		fileName:     fileName,
		mapFileName:  mapFileName,
		file:         file,
		fs:           fs,
		capacity:     capacity,
		sectorSize:   DefaultSectorSize,
		channelCount: channelCount,
		depth:        depth,
		execQueues:   execQueues,
		rangeLocker:  NewRangeLocker(sectorRangePool),
		sectors:      sectors,
		log:          log,
	}, nil
}

// sizeBackingFile extends the file to capacity, preallocating when the
// descriptor supports it
func sizeBackingFile(file File, capacity uint64) error {
	if fd := file.Fd(); fd != 0 {
		if err := unix.Fallocate(int(fd), 0, 0, int64(capacity)); err == nil {
			return nil
		}
	}

	return file.Truncate(int64(capacity))
}

// loadSectorMapFile restores a sector map sidecar, reporting whether
// the whole sidecar parsed cleanly. Every failure mode degrades to a
// partial or fresh map so the caller can fall back to an allocation
// scan.
func loadSectorMapFile(fs FileSystem, name string, sectors *sectorMap, log *logrus.Logger) bool {
	content, err := fs.ReadFile(name)
	if err != nil {
		log.Debugf("No usable sector map sidecar at %s: %s", name, err)
		return false
	}

	reader := bytes.NewReader(content)
	ix := 0
	for readSize, err := readUint64(reader); readSize != 0 || err != nil; readSize, err = readUint64(reader) {
		if err != nil {
			log.Warnf("Truncated sector map sidecar %s: %s", name, err)
			return false
		}
		roaringBuffer := make([]byte, readSize)
		n, err := reader.Read(roaringBuffer)
		if err != nil || n != len(roaringBuffer) {
			log.Warnf("Could not read full serialized bitmap from %s", name)
			return false
		}
		if ix >= len(sectors.bitmaps) {
			log.Warnf("Sector map sidecar %s does not match device size", name)
			return false
		}
		if err := sectors.deserialize(roaringBuffer, ix); err != nil {
			log.Warnf("Corrupt bitmap %d in %s: %s", ix, name, err)
			return false
		}

		ix++
	}

	return true
}

// Info advertises the driver geometry
func (f *FileDriver) Info() DeviceInfo {
	return DeviceInfo{
		ChannelCount:    f.channelCount,
		PerChannelDepth: f.depth,
		SectorSize:      f.sectorSize,
		Capacity:        f.capacity,
	}
}

// Attach stores the completer and starts the per channel execution
// workers
func (f *FileDriver) Attach(completer Completer) error {
	if f.completer != nil {
		return errors.New("Driver is already attached")
	}
	f.completer = completer

	ctx, cancel := context.WithCancel(context.Background())
	f.terminationContext = ctx
	f.terminationFunction = cancel
	f.terminationWaitGroup = &sync.WaitGroup{}

	for i := range f.execQueues {
		go f.processExecQueue(i)
	}

	return nil
}

// Execute accepts a dispatched request onto its channel's execution
// queue. The queueing layer never exceeds the advertised depth, so the
// send cannot block.
func (f *FileDriver) Execute(r *Request) {
	select {
	case f.execQueues[r.Channel()] <- r:
	default:
		f.log.Errorf("execution queue %d overrun", r.Channel())
		panic("execution queue overrun")
	}
}

// Detach stops the execution workers, fails anything accepted but
// never executed, then flushes the backing file and the sector map
// sidecar
func (f *FileDriver) Detach() {
	if f.completer == nil {
		return
	}

	f.terminationFunction()
	f.terminationWaitGroup.Wait()

	for i, queue := range f.execQueues {
		drained := false
		for !drained {
			select {
			case r := <-queue:
				f.completer.Complete(r, NewIOError(ErrDeviceRemoved, i, r.Offset(), r.Length(), nil))
			default:
				drained = true
			}
		}
	}

	if err := f.file.Sync(); err != nil {
		f.log.Warnf("Could not sync backing file: %s", err)
	}
	f.saveSectorMap()
	if err := f.file.Close(); err != nil {
		f.log.Warnf("Could not close backing file: %s", err)
	}

	f.completer = nil
}

// WrittenSectors returns how many distinct sectors have ever been
// written
func (f *FileDriver) WrittenSectors() uint64 {
	return f.sectors.totalWritten()
}

// TotalSectors returns the sector count of the backing file
func (f *FileDriver) TotalSectors() uint64 {
	return f.capacity / f.sectorSize
}

func (f *FileDriver) processExecQueue(ix int) {
	f.terminationWaitGroup.Add(1)
	defer f.terminationWaitGroup.Done()

	for !isCancelSignaled(f.terminationContext) {
		r := f.tryDequeue(ix, workerIdleMilliseconds)

		if r == nil {
			continue
		}

		f.completer.Complete(r, f.executeRequest(r))
	}
}

func (f *FileDriver) tryDequeue(ix int, waitMilliseconds int) *Request {
	select {
	case r := <-f.execQueues[ix]:
		return r
	case <-time.After(time.Duration(waitMilliseconds) * time.Millisecond):
		return nil
	}
}

func (f *FileDriver) executeRequest(r *Request) error {
	start, end := affectedSectorRange(r.Offset(), r.Length(), f.sectorSize)
	f.rangeLocker.LockRange(start, end)
	defer f.rangeLocker.UnlockRange(start, end)

	if r.Direction() == Read {
		return f.executeRead(r, start, end)
	}

	return f.executeWrite(r, start, end)
}

func (f *FileDriver) executeRead(r *Request, start uint64, end uint64) error {
	segments := r.Segments()

	anyWritten := false
	for i := start; i <= end; i++ {
		if f.sectors.isWritten(i) {
			anyWritten = true
			break
		}
	}
	if !anyWritten {
		// Nothing in this range was ever written, serve zeros without
		// touching the disk
		zeroFillFrom(segments, 0)
		return nil
	}

	if fd := f.file.Fd(); fd != 0 {
		n, err := unix.Preadv(int(fd), buildIovecs(segments), int64(r.Offset()))
		if err != nil {
			return f.wrapIOError(err, r)
		}
		if uint64(n) < r.Length() {
			// Reads past EOF but inside capacity are zeros
			zeroFillFrom(segments, n)
		}

		return nil
	}

	// Per segment fallback for file implementations without a real
	// descriptor
	offset := r.Offset()
	for i := range segments {
		n, err := f.file.ReadAt(segments[i].bytes(), int64(offset))
		if err == io.EOF {
			zeroFillFrom(segments[i:], n)
			return nil
		}
		if err != nil {
			return f.wrapIOError(err, r)
		}
		offset += segments[i].Length
	}

	return nil
}

func (f *FileDriver) executeWrite(r *Request, start uint64, end uint64) error {
	segments := r.Segments()

	if fd := f.file.Fd(); fd != 0 {
		if _, err := unix.Pwritev(int(fd), buildIovecs(segments), int64(r.Offset())); err != nil {
			return f.wrapIOError(err, r)
		}
	} else {
		offset := r.Offset()
		for i := range segments {
			if _, err := f.file.WriteAt(segments[i].bytes(), int64(offset)); err != nil {
				return f.wrapIOError(err, r)
			}
			offset += segments[i].Length
		}
	}

	for i := start; i <= end; i++ {
		f.sectors.setSector(i, true)
	}

	return nil
}

// wrapIOError classifies a raw I/O failure into the device error
// taxonomy, keeping the original error in the chain
func (f *FileDriver) wrapIOError(err error, r *Request) error {
	kind := ErrMediaError
	switch errnoOf(err) {
	case unix.ENODEV, unix.ENXIO:
		kind = ErrDeviceRemoved
	case unix.ETIMEDOUT:
		kind = ErrTimeout
	}

	return NewIOError(kind, r.Channel(), r.Offset(), r.Length(), err)
}

// errnoOf digs the errno out of an error chain, 0 if there is none
func errnoOf(err error) unix.Errno {
	var uErrno unix.Errno
	if errors.As(err, &uErrno) {
		return uErrno
	}

	var sErrno syscall.Errno
	if errors.As(err, &sErrno) {
		return unix.Errno(sErrno)
	}

	return 0
}

func (f *FileDriver) saveSectorMap() {
	content, err := f.sectors.serialize()
	if err != nil {
		f.log.Warnf("Could not serialize sector map: %s", err)
		return
	}

	tmpName := f.mapFileName + ".tmp"
	mapFile, err := f.fs.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		f.log.Warnf("Could not open sector map sidecar %s: %s", tmpName, err)
		return
	}

	if _, err := mapFile.Write(content); err != nil {
		f.log.Warnf("Could not write sector map sidecar %s: %s", tmpName, err)
		mapFile.Close()
		f.fs.Remove(tmpName)
		return
	}
	if err := mapFile.Sync(); err != nil {
		f.log.Warnf("Could not sync sector map sidecar %s: %s", tmpName, err)
	}
	if err := mapFile.Close(); err != nil {
		f.log.Warnf("Could not close sector map sidecar %s: %s", tmpName, err)
		f.fs.Remove(tmpName)
		return
	}

	if err := f.fs.Rename(tmpName, f.mapFileName); err != nil {
		f.log.Warnf("Could not publish sector map sidecar %s: %s", f.mapFileName, err)
		f.fs.Remove(tmpName)
	}
}

// buildIovecs flattens segments for vectored I/O
func buildIovecs(segments []Segment) [][]byte {
	iovecs := make([][]byte, 0, len(segments))
	for i := range segments {
		iovecs = append(iovecs, segments[i].bytes())
	}

	return iovecs
}

// zeroFillFrom zeroes segment bytes after the first filled bytes of the
// flattened transfer
func zeroFillFrom(segments []Segment, filled int) {
	remaining := filled
	for i := range segments {
		b := segments[i].bytes()
		if remaining >= len(b) {
			remaining -= len(b)
			continue
		}
		for j := remaining; j < len(b); j++ {
			b[j] = 0
		}
		remaining = 0
	}
}
