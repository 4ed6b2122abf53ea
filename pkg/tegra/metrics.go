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
	"golang.org/x/sys/unix"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/metric"
	"gvisor.dev/host1x/pkg/resv"
)

// submitErrnos are the values of the errno field of /host1x/submit_errors.
var submitErrnos = []string{
	"E2BIG",
	"EBADF",
	"EBUSY",
	"EDEADLK",
	"EFAULT",
	"EINTR",
	"EINVAL",
	"EIO",
	"ENODEV",
	"ENOMEM",
	"ENOSPC",
	"ETIMEDOUT",
	"other",
}

var (
	submits      = metric.MustCreateNewUint64Metric("/host1x/submits", "Number of channel submissions.")
	submitErrors = metric.MustCreateNewUint64Metric("/host1x/submit_errors", "Number of failed channel submissions, by errno.", metric.NewField("errno", submitErrnos))
)

func init() {
	metric.MustRegisterCustomUint64Metric("/host1x/resv_backoffs", "Number of reservation lock backoffs.", func(...string) uint64 {
		return resv.Class.Backoffs()
	})
}

// errnoField returns the submit_errors field value for err.
func errnoField(err error) string {
	name := unix.ErrnoName(unix.Errno(-linuxerr.ToErrno(err)))
	for _, v := range submitErrnos {
		if v == name {
			return v
		}
	}
	return "other"
}
