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

// DeviceInfo advertises the execution geometry and addressing limits of
// a driver. A zero Capacity means the driver does not bound addressing.
type DeviceInfo struct {
	ChannelCount    int
	PerChannelDepth int
	SectorSize      uint64
	Capacity        uint64
}

// Completer receives terminal results for dispatched requests. The
// device implements it, drivers hold the reference they were attached
// with.
type Completer interface {
	Complete(r *Request, err error)
}

// Driver executes requests against real storage. The device guarantees
// Execute is never called with more requests outstanding on a channel
// than the advertised depth.
//
// Execute must not block on the transfer itself, drive it from the
// driver's own execution contexts and deliver the result through the
// attached Completer, exactly once per request. Completing synchronously
// from inside Execute is allowed.
//
// Detach blocks until every request handed to Execute has been
// completed, then releases driver resources.
type Driver interface {
	Info() DeviceInfo
	Attach(completer Completer) error
	Execute(r *Request)
	Detach()
}
