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
	"io"
	"io/ioutil"
	"os"
)

// DefaultSectorSize is assumed when a driver does not advertise a sector size
const DefaultSectorSize = 512

// DefaultMaxMergeBytes is the largest request a submission queue builds unless configured otherwise
const DefaultMaxMergeBytes = 128 * 1024 // 128KiB

// DefaultMergeWindowMicros is how long a building request stays open to merges unless configured otherwise
const DefaultMergeWindowMicros = 2000

// DefaultMaxLatencyMicros is the deadline policy's expiry budget unless configured otherwise
const DefaultMaxLatencyMicros = 500 * 1000 // 500ms

// DefaultMaxQueuedRequests caps building+queued requests per submission queue unless configured otherwise
const DefaultMaxQueuedRequests = 256

// DefaultOfflineThreshold is how many consecutive device removals take a channel offline unless configured otherwise
const DefaultOfflineThreshold = 3

// completionWorkerCount defines the number of parallel completion fan-out workers run per device
const completionWorkerCount = 5

// completionQueueCapacity is the hard cap of undelivered completion events per device
const completionQueueCapacity = 500

// pumpIdleMilliseconds is how long the submission pump sleeps when no request could be routed
const pumpIdleMilliseconds = 1

// workerIdleMilliseconds is how long channel and completion workers sleep between wakeup checks
const workerIdleMilliseconds = 500

// IOType is an enum for the direction of a block unit or request
type IOType int

const (
	// Read transfers data from the device to the caller's buffers
	Read IOType = iota
	// Write transfers data from the caller's buffers to the device
	Write
)

// SectorRange defines a contiguous, inclusive range of sectors
type SectorRange struct {
	Start uint64
	End   uint64
}

// Borrowed heavily from https://stackoverflow.com/questions/16742331/how-to-mock-abstract-filesystem-in-go
// golang doesn't have interfaces for os.File struct, meaning everyone has to write these thin wrapper
// interfaces for testing purposes.
// Discussion on possible improvements for golang2 https://github.com/golang/go/issues/14106

// FileSystem is an interface wrapper to the buildin os filesystem operations, for unit testability
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	ReadFile(name string) ([]byte, error)
}

// ReadOnlyFile provides an interface for the read functions of the native file struct
type ReadOnlyFile interface {
	io.ReaderAt
	Fd() uintptr
}

// File provides an interface for the native file struct
type File interface {
	ReadOnlyFile
	io.Closer
	io.Writer
	io.WriterAt
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// LocalFs implements FileSystem using the local disk.
type LocalFs struct{}

// OpenFile opens a file with the native os function
func (LocalFs) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

// Stat stats a file with the native os function
func (LocalFs) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Rename renames a file using the native os function
func (LocalFs) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Remove removes a file using the native os function
func (LocalFs) Remove(name string) error {
	return os.Remove(name)
}

// ReadFile reads the full binary content of a provided file
func (LocalFs) ReadFile(name string) ([]byte, error) {
	return ioutil.ReadFile(name)
}
