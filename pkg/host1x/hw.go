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

// Hardware is the register interface of the channels. Word offsets index the
// channel's push buffer.
type Hardware interface {
	// ChannelInit prepares ch for use. It is called each time ch is taken
	// from the pool.
	ChannelInit(ch *Channel) error

	// Kick lets the engine fetch up to, but excluding, word offset put.
	Kick(ch *Channel, put uint32)

	// Get returns the word offset the engine will fetch next.
	Get(ch *Channel) uint32

	// Stop stops fetching. Work in progress may take a moment to drain; see
	// Idle.
	Stop(ch *Channel)

	// Idle returns whether the engine of ch is not executing anything.
	Idle(ch *Channel) bool

	// Restart resumes fetching at word offset get, with put reset to get.
	Restart(ch *Channel, get uint32)

	// Teardown releases what ChannelInit set up.
	Teardown(ch *Channel)
}
