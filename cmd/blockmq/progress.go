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

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/datto/blockmq"
)

const (
	progressEnds                = "|"
	progressPending             = "-"
	progressComplete            = "="
	progressBarWidth            = 30
	byteSpeedWindowMilliseconds = 5000
)

var previousOutputWidth int

// rateSampler is satisfied by the device, the progress bar samples the
// dispatch pipeline through it
type rateSampler interface {
	SampleRate(actionType blockmq.QueueActionType, intervalMilliseconds uint64) uint64
}

type pipelineRates struct {
	readBytes    uint64
	writtenBytes uint64
	submissions  uint64
	merges       uint64
}

// samplePipelineRates reads the four pipeline rates over the speed
// window. SampleRate already normalizes to per second, the window only
// sets how much history each sample covers.
func samplePipelineRates(sampler rateSampler) pipelineRates {
	return pipelineRates{
		readBytes:    sampler.SampleRate(blockmq.BytesRead, byteSpeedWindowMilliseconds),
		writtenBytes: sampler.SampleRate(blockmq.BytesWritten, byteSpeedWindowMilliseconds),
		submissions:  sampler.SampleRate(blockmq.BioSubmit, byteSpeedWindowMilliseconds),
		merges:       sampler.SampleRate(blockmq.BioMerge, byteSpeedWindowMilliseconds),
	}
}

// outputStatus is a blocking function that outputs a progress bar for device
// occupancy + speed metrics for the dispatch pipeline at an interval
func outputStatus(ctx context.Context, device *blockmq.Device, reporter sectorReporter) {
	previousOutputWidth = -1
	for true {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
			outputProgressBar(device, reporter)
		}
	}
}

func outputProgressBar(device *blockmq.Device, reporter sectorReporter) {
	totalSectors := reporter.TotalSectors()
	if totalSectors == 0 {
		totalSectors = 1
	}
	writtenSectors := reporter.WrittenSectors()
	percentComplete := (writtenSectors * 100) / totalSectors
	rates := samplePipelineRates(device)
	barsComplete := (percentComplete * progressBarWidth) / 100
	barsNotComplete := progressBarWidth - barsComplete

	fmt.Print("\r")
	if previousOutputWidth != -1 {
		fmt.Printf("%s\r", strings.Repeat(" ", previousOutputWidth))
	}

	progressBar := fmt.Sprintf(
		"%s%s%s%s %d%% r %s/s w %s/s sub %d/s mrg %d/s",
		progressEnds,
		strings.Repeat(progressComplete, int(barsComplete)),
		strings.Repeat(progressPending, int(barsNotComplete)),
		progressEnds,
		percentComplete,
		blockmq.BytesToHumanReadable(rates.readBytes),
		blockmq.BytesToHumanReadable(rates.writtenBytes),
		rates.submissions,
		rates.merges,
	)
	previousOutputWidth = len(progressBar)
	fmt.Print(progressBar)
}
