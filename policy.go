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
	"fmt"
	"sort"
	"sync"
)

// PolicyType selects the scheduler policy a device orders requests with.
// Exactly one policy is active per device.
type PolicyType int

const (
	// PolicyFIFO dispatches strictly in finalization order
	PolicyFIFO PolicyType = iota
	// PolicyDeadline dispatches by expiry so no request waits unbounded
	PolicyDeadline
	// PolicyFairness round-robins dispatch across caller classes
	PolicyFairness
)

func (t PolicyType) String() string {
	switch t {
	case PolicyFIFO:
		return "fifo"
	case PolicyDeadline:
		return "deadline"
	case PolicyFairness:
		return "fairness"
	}

	return "unknown"
}

// ParsePolicyType converts a policy name, as accepted on command lines
// and config files, to a PolicyType
func ParsePolicyType(name string) (PolicyType, error) {
	switch name {
	case "fifo":
		return PolicyFIFO, nil
	case "deadline":
		return PolicyDeadline, nil
	case "fairness":
		return PolicyFairness, nil
	}

	return PolicyFIFO, fmt.Errorf("Unknown scheduler policy %s", name)
}

// SchedulerPolicy is consulted at the two points the queueing core makes
// an ordering decision: when a finalized request asks to leave its
// submission queue (Admit), and when a dispatch channel picks which
// pending request executes next (Select).
//
// Select is called under the owning channel's lock with a non-empty
// pending set and must return a valid index into it. Implementations
// must not block.
type SchedulerPolicy interface {
	Admit(r *Request) bool
	Select(channelID int, pending []*Request) int
}

func newSchedulerPolicy(policyType PolicyType, loads *classLoadTracker) SchedulerPolicy {
	switch policyType {
	case PolicyFIFO:
		return &fifoPolicy{}
	case PolicyDeadline:
		return &deadlinePolicy{}
	case PolicyFairness:
		return &fairnessPolicy{
			lock:      &sync.Mutex{},
			lastClass: make(map[int]string),
			loads:     loads,
		}
	}

	panic(fmt.Sprintf("Unknown scheduler policy %d", policyType))
}

// fifoPolicy preserves finalization order, ties are impossible since
// sequence numbers are unique per device
type fifoPolicy struct{}

func (p *fifoPolicy) Admit(r *Request) bool {
	return true
}

func (p *fifoPolicy) Select(channelID int, pending []*Request) int {
	selected := 0
	for i := 1; i < len(pending); i++ {
		if pending[i].seq < pending[selected].seq {
			selected = i
		}
	}

	return selected
}

// deadlinePolicy picks the request closest to blowing its latency
// budget, falling back to finalization order on equal expiries
type deadlinePolicy struct{}

func (p *deadlinePolicy) Admit(r *Request) bool {
	return true
}

func (p *deadlinePolicy) Select(channelID int, pending []*Request) int {
	selected := 0
	for i := 1; i < len(pending); i++ {
		if pending[i].expiry.Before(pending[selected].expiry) {
			selected = i
		} else if pending[i].expiry.Equal(pending[selected].expiry) && pending[i].seq < pending[selected].seq {
			selected = i
		}
	}

	return selected
}

// fairnessPolicy round-robins across caller classes per channel, and
// holds finalized requests back in their submission queue while their
// class is hogging the queued set
type fairnessPolicy struct {
	lock      *sync.Mutex
	lastClass map[int]string
	loads     *classLoadTracker
}

func (p *fairnessPolicy) Admit(r *Request) bool {
	return p.loads.admissible(r.class)
}

func (p *fairnessPolicy) Select(channelID int, pending []*Request) int {
	// Oldest request per class present on this channel
	oldestByClass := make(map[string]int)
	for i, r := range pending {
		existing, found := oldestByClass[r.class]
		if !found || r.seq < pending[existing].seq {
			oldestByClass[r.class] = i
		}
	}

	classes := make([]string, 0, len(oldestByClass))
	for class := range oldestByClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	p.lock.Lock()
	defer p.lock.Unlock()

	// First class strictly after the last one served, wrapping around
	selectedClass := classes[0]
	for _, class := range classes {
		if class > p.lastClass[channelID] {
			selectedClass = class
			break
		}
	}

	p.lastClass[channelID] = selectedClass

	return oldestByClass[selectedClass]
}

// classLoadTracker counts finalized, undispatched requests per caller
// class, device wide. The fairness policy reads it to decide whether a
// class is consuming more than its share of queue space.
type classLoadTracker struct {
	lock   sync.Mutex
	counts map[string]int
	total  int
}

func newClassLoadTracker() *classLoadTracker {
	return &classLoadTracker{
		counts: make(map[string]int),
	}
}

func (t *classLoadTracker) add(class string) {
	t.lock.Lock()
	t.counts[class]++
	t.total++
	t.lock.Unlock()
}

func (t *classLoadTracker) remove(class string) {
	t.lock.Lock()
	if t.counts[class] > 0 {
		t.counts[class]--
		t.total--
	}
	t.lock.Unlock()
}

// admissible reports whether the class may finalize another request. A
// class with no competition is always admissible, otherwise it may hold
// at most half of the queued set.
func (t *classLoadTracker) admissible(class string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.total == 0 {
		return true
	}

	count := t.counts[class]
	if t.total-count == 0 {
		return true
	}

	return count*2 <= t.total
}
