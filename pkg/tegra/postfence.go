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

package tegra

import (
	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/syncfile"
)

// createPostfences publishes the completion fence of a submitted job: its
// value is returned to the caller, it becomes the fence of every reserved
// buffer, and it is exported as a sync file when requested.
func (f *File) createPostfences(job *host1x.Job, r *reservation, incr *abi.SubmitSyncptIncr) {
	fe := job.Fence()
	incr.FenceValue = job.SyncptEnd
	r.attach(fe)
	if incr.Flags&abi.SubmitSyncptIncrCreateSyncFile != 0 {
		incr.SyncFileFD = f.syncFiles.Install(syncfile.New(fe))
	}
}
