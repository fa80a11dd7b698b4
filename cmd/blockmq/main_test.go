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
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestVerbosityLevels(t *testing.T) {
	assert.Equal(t, verbosityNormal, calculateVerbosityLevel(false, false))
	assert.Equal(t, verbosityVerbose, calculateVerbosityLevel(true, false))
	assert.Equal(t, verbosityVery, calculateVerbosityLevel(false, true))
	assert.Equal(t, verbosityVery, calculateVerbosityLevel(true, true))
}

func TestWorkloadClassesAccumulate(t *testing.T) {
	classes := WorkloadClasses{}

	assert.Equal(t, "", classes.String())

	assert.Nil(t, classes.Set("database"))
	assert.Nil(t, classes.Set("backup"))

	assert.Equal(t, WorkloadClasses{"database", "backup"}, classes)
	assert.Equal(t, "database,backup", classes.String())
}

func TestFieldLogHookStampsEntries(t *testing.T) {
	hook := fieldLogHook{fields: logrus.Fields{
		deviceLogField: "memory",
		policyLogField: "deadline",
	}}

	entry := &logrus.Entry{Data: logrus.Fields{}}
	assert.Nil(t, hook.Fire(entry))

	assert.Equal(t, "memory", entry.Data[deviceLogField])
	assert.Equal(t, "deadline", entry.Data[policyLogField])
}

func TestFieldLogHookLevels(t *testing.T) {
	unrestricted := fieldLogHook{}
	assert.Equal(t, logrus.AllLevels, unrestricted.Levels())

	restricted := fieldLogHook{levels: []logrus.Level{logrus.ErrorLevel}}
	assert.Equal(t, []logrus.Level{logrus.ErrorLevel}, restricted.Levels())
}
