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
	"context"
	"sort"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/resv"
	"gvisor.dev/host1x/pkg/sync"
)

// usedMapping is a mapping referenced by a job, with the SubmitBuf flags it
// was referenced with. The job holds a reference on the mapping.
type usedMapping struct {
	mapping *Mapping
	flags   uint32
}

func (u usedMapping) reserves() bool {
	return u.flags&(abi.SubmitBufResvRead|abi.SubmitBufResvWrite) != 0
}

// resvUse is one reservation object locked for a job.
type resvUse struct {
	obj   *resv.Object
	write bool
}

// reservation holds the reservation locks of a job between dependency
// resolution and post-fence attachment.
type reservation struct {
	set  *sync.WWLockSet
	objs []resvUse
}

// lockReservations locks the reservation objects of every mapping in used
// that requests implicit synchronization and reserves room for the job's
// fence. A buffer referenced several times is locked once, as a writer if
// any reference writes it. On error no lock is held.
func lockReservations(ctx context.Context, used []usedMapping) (*reservation, error) {
	r := &reservation{}
	index := make(map[*resv.Object]int)
	var locks []*sync.WWMutex
	for _, u := range used {
		if !u.reserves() {
			continue
		}
		obj := u.mapping.Buffer().Resv()
		write := u.flags&abi.SubmitBufResvWrite != 0
		if i, ok := index[obj]; ok {
			r.objs[i].write = r.objs[i].write || write
			continue
		}
		index[obj] = len(r.objs)
		r.objs = append(r.objs, resvUse{obj: obj, write: write})
		locks = append(locks, &obj.WWMutex)
	}

	set, err := sync.LockAll(ctx, resv.Class, locks)
	if err != nil {
		return nil, err
	}
	r.set = set
	for _, u := range r.objs {
		if u.write {
			continue
		}
		if err := u.obj.ReserveShared(set.Ctx(), 1); err != nil {
			r.unlock()
			return nil, err
		}
	}
	return r, nil
}

// implicitFences returns the unsignaled fences the job must wait for.
func (r *reservation) implicitFences() []fence.Fence {
	var fences []fence.Fence
	for _, u := range r.objs {
		fences = append(fences, u.obj.ImplicitFences(u.write)...)
	}
	return fences
}

// attach records f as the fence of the job on every locked object: the
// exclusive fence of written buffers and a shared fence of read ones.
func (r *reservation) attach(f fence.Fence) {
	a := r.set.Ctx()
	for _, u := range r.objs {
		if u.write {
			u.obj.AddExclusive(a, f)
		} else {
			u.obj.AddShared(a, f)
		}
	}
}

// unlock releases every lock taken by lockReservations.
func (r *reservation) unlock() {
	if r.set != nil {
		r.set.Unlock()
		r.set = nil
	}
}

// syncptWait is a dependency the channel can wait for in hardware.
type syncptWait struct {
	id        uint32
	threshold uint32
}

// splitFences sorts dependencies into syncpoint waits of h and foreign
// fences. Signaled fences are dropped, and only the latest threshold of each
// syncpoint is kept.
func splitFences(h *host1x.Host1x, fences []fence.Fence) ([]syncptWait, []fence.Fence) {
	type latest struct {
		sp        *host1x.Syncpt
		threshold uint32
	}
	bySyncpt := make(map[uint32]latest)
	seen := make(map[fence.Fence]struct{})
	var foreign []fence.Fence
	for _, f := range fences {
		if f == nil || f.Signaled() {
			continue
		}
		if sp, thr, ok := h.ExtractFence(f); ok {
			if l, ok := bySyncpt[sp.ID()]; !ok || sp.Compare(thr, l.threshold) > 0 {
				bySyncpt[sp.ID()] = latest{sp: sp, threshold: thr}
			}
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		foreign = append(foreign, f)
	}

	waits := make([]syncptWait, 0, len(bySyncpt))
	for id, l := range bySyncpt {
		waits = append(waits, syncptWait{id: id, threshold: l.threshold})
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i].id < waits[j].id })
	return waits, foreign
}
