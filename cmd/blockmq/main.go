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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/datto/blockmq"
	"github.com/sirupsen/logrus"
)

const (
	verbosityNormal verbosityLevel = iota
	verbosityVerbose
	verbosityVery
)

const (
	defaultCapacityBytes = 256 * 1024 * 1024
	defaultChannelCount  = 4
	defaultChannelDepth  = 32
)

type verbosityLevel int

// WorkloadClasses is a type to hold the named submission classes the exerciser drives
type WorkloadClasses []string

func (i *WorkloadClasses) String() string {
	return strings.Join(*i, ",")
}

// Set is public so that it's accessable by goflags
func (i *WorkloadClasses) Set(value string) error {
	*i = append(*i, value)
	return nil
}

// sectorReporter is satisfied by the bundled drivers, the progress
// bar uses it to show how much of the device has been written.
type sectorReporter interface {
	WrittenSectors() uint64
	TotalSectors() uint64
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-v] [-vv] [-policy fifo|deadline|fairness] [-class name]... [backing_file]\n", os.Args[0])
	flag.PrintDefaults()

	os.Exit(2)
}

func main() {
	verboseFlag := false
	veryVerboseFlag := false
	verifyFlag := true
	policyFlag := "fifo"
	channelsFlag := defaultChannelCount
	depthFlag := defaultChannelDepth
	sizeFlag := uint64(defaultCapacityBytes)
	workersFlag := 4
	durationFlag := 0
	rateFlag := uint64(0)
	flag.BoolVar(&verboseFlag, "v", false, "Enable logging to stderr")
	flag.BoolVar(&veryVerboseFlag, "vv", false, "Enable very verbose logging to stderr")
	flag.BoolVar(&verifyFlag, "verify", true, "Read back written ranges and check their contents")
	flag.StringVar(&policyFlag, "policy", "fifo", "The scheduling policy (fifo, deadline or fairness)")
	flag.IntVar(&channelsFlag, "channels", defaultChannelCount, "The number of dispatch channels")
	flag.IntVar(&depthFlag, "depth", defaultChannelDepth, "The in flight request limit per channel")
	flag.Uint64Var(&sizeFlag, "size", defaultCapacityBytes, "The device capacity in bytes")
	flag.IntVar(&workersFlag, "workers", 4, "The number of submitting workers, ignored when -class is given")
	flag.IntVar(&durationFlag, "duration", 0, "Stop after this many seconds, 0 runs until interrupted")
	flag.Uint64Var(&rateFlag, "rate", 0, "Target aggregate throughput in bytes per second, 0 is unlimited")

	var classes WorkloadClasses
	flag.Var(&classes, "class", "A named submission class to drive, repeatable")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) > 1 {
		usage()
	}

	policy, err := blockmq.ParsePolicyType(policyFlag)
	if err != nil {
		usage()
	}
	if len(classes) == 0 {
		for i := 0; i < workersFlag; i++ {
			classes = append(classes, fmt.Sprintf("worker-%d", i))
		}
	}

	errorChan := make(chan error)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	deviceName := "memory"
	backingFileName := ""
	if len(args) == 1 {
		backingFileName, err = filepath.Abs(args[0])
		if err != nil {
			logrus.Fatal(err)
		}
		deviceName = backingFileName
	}

	verbosity := calculateVerbosityLevel(verboseFlag, veryVerboseFlag)
	err = setupLogging(verbosity, deviceName, policyFlag)
	if err != nil {
		logrus.Fatal(err)
	}

	var driver blockmq.Driver
	var reporter sectorReporter
	if backingFileName != "" {
		fileDriver, err := blockmq.NewFileDriver(
			backingFileName,
			blockmq.LocalFs{},
			sizeFlag,
			channelsFlag,
			depthFlag,
			logrus.StandardLogger(),
		)
		if err != nil {
			logrus.Fatalf("Cannot create file driver: %s\n", err)
		}
		driver = fileDriver
		reporter = fileDriver
	} else {
		memoryDriver, err := blockmq.NewMemoryDriver(
			sizeFlag,
			channelsFlag,
			depthFlag,
			logrus.StandardLogger(),
		)
		if err != nil {
			logrus.Fatalf("Cannot create memory driver: %s\n", err)
		}
		driver = memoryDriver
		reporter = memoryDriver
	}

	device, err := blockmq.New(driver, &blockmq.Config{
		Policy: policy,
		Log:    logrus.StandardLogger(),
	})
	if err != nil {
		logrus.Fatalf("Cannot create device: %s\n", err)
	}

	if err := device.Connect(); err != nil {
		logrus.Fatalf("Cannot connect device: %s\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bufferPool := blockmq.NewBufferPool(logrus.StandardLogger())
	workloadWaitGroup := &sync.WaitGroup{}
	for i, class := range classes {
		w := newWorkload(device, class, i, len(classes), bufferPool, verifyFlag, rateFlag, errorChan)
		workloadWaitGroup.Add(1)
		go w.run(ctx, workloadWaitGroup)
	}

	go outputStatus(ctx, device, reporter)

	var durationChan <-chan time.Time
	if durationFlag > 0 {
		durationChan = time.After(time.Duration(durationFlag) * time.Second)
	}
	select {
	case <-sig:
		// Received SIGINT, stop the workers and clean up
		break
	case <-durationChan:
		break
	case err := <-errorChan:
		// Recieved an error, stop the workers and clean up
		logrus.Error(err)
		break
	}
	cancel()
	workloadWaitGroup.Wait()
	logrus.Info("Disconnecting...")
	device.Disconnect()
}

// calculateVerbosityLevel produces a verbosity level given the verbosity level flags proivded
func calculateVerbosityLevel(verbose, veryVerbose bool) verbosityLevel {
	if veryVerbose {
		return verbosityVery
	} else if verbose {
		return verbosityVerbose
	}

	return verbosityNormal
}
