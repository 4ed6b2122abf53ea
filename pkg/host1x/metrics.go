// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package host1x

import (
	"gvisor.dev/host1x/pkg/metric"
)

var (
	channelTimeouts  = metric.MustCreateNewUint64Metric("/host1x/channel_timeouts", "Number of channel recoveries after a job timed out.")
	pushbufferStalls = metric.MustCreateNewUint64Metric("/host1x/pushbuffer_stalls", "Number of submissions that waited for push buffer space.")
	syncptWaits      = metric.MustCreateNewUint64Metric("/host1x/syncpt_waits", "Number of blocking syncpoint waits.")
)

func init() {
	metric.MustRegisterCustomUint64Metric("/host1x/channels_allocated", "Number of channels currently taken from the pool.", func(...string) uint64 {
		return uint64(channelsAllocated.Load())
	})
}
