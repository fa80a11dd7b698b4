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
	"github.com/stretchr/testify/mock"
)

// MockDriver is a driver that isn't real
type MockDriver struct {
	mock.Mock
}

// Info mocks the geometry advertisement
func (md *MockDriver) Info() DeviceInfo {
	args := md.Called()

	return args.Get(0).(DeviceInfo)
}

// Attach mocks attaching the completer
func (md *MockDriver) Attach(completer Completer) error {
	args := md.Called(completer)

	return args.Error(0)
}

// Execute mocks request execution
func (md *MockDriver) Execute(r *Request) {
	md.Called(r)
}

// Detach mocks releasing the driver
func (md *MockDriver) Detach() {
	md.Called()
}
