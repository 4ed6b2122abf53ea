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
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/refs"
)

// JobState is the lifecycle state of a Job.
type JobState int32

// Job states, in lifecycle order.
const (
	JobBuilding JobState = iota
	JobValidated
	JobPinned
	JobSubmitted
	JobCompleted
	JobFailed
)

// String implements fmt.Stringer.
func (s JobState) String() string {
	switch s {
	case JobBuilding:
		return "Building"
	case JobValidated:
		return "Validated"
	case JobPinned:
		return "Pinned"
	case JobSubmitted:
		return "Submitted"
	case JobCompleted:
		return "Completed"
	case JobFailed:
		return "Failed"
	default:
		return fmt.Sprintf("JobState(%d)", int32(s))
	}
}

// Segment is one element of a job's command stream.
type Segment interface {
	isSegment()
}

// GatherSegment pushes Words words of BO, starting at byte Offset.
type GatherSegment struct {
	BO     BO
	Words  uint32
	Offset uint32

	// iova is the device address of BO while the job is pinned.
	iova uint64
}

// WaitSegment stalls the channel until syncpoint ID reaches Threshold.
type WaitSegment struct {
	ID        uint32
	Threshold uint32
}

func (*GatherSegment) isSegment() {}
func (*WaitSegment) isSegment() {}

// Job is a unit of work for a channel.
type Job struct {
	refs.Refs

	channel *Channel

	// Class is the engine class the gathers are executed in.
	Class uint32
	// Syncpt is incremented SyncptIncrs times when the job completes.
	Syncpt      *Syncpt
	SyncptIncrs uint32
	// SyncptEnd is the value Syncpt reaches when the job completes. It is
	// set by Channel.Submit.
	SyncptEnd uint32
	// Timeout bounds the execution of the job once it reaches the head of
	// the channel queue.
	Timeout time.Duration
	// UserData is not interpreted by the engine.
	UserData any
	// Release is called once, after the last reference is dropped.
	Release func(*Job)
	// Done is called once the job has completed or failed.
	Done func(j *Job, err error)

	segments []Segment
	// foreign are dependencies the engine cannot wait on in hardware.
	foreign []fence.Fence

	state  atomic.Int32
	result completion

	// numSlots is the number of push buffer slots the job occupies.
	numSlots uint32
	// gated is set when the job waits on gateThreshold for its foreign
	// dependencies.
	gated         bool
	gateThreshold uint32
	gateFired     atomic.Bool
}

// NewJob returns a job for ch that increments sp incrs times on completion.
// The job holds references on ch and sp until it is released.
func NewJob(ch *Channel, class uint32, sp *Syncpt, incrs uint32) *Job {
	ch.Get()
	sp.Get()
	j := &Job{
		channel:     ch,
		Class:       class,
		Syncpt:      sp,
		SyncptIncrs: incrs,
		Timeout:     DefaultJobTimeout,
	}
	j.InitRefs("host1x.Job")
	return j
}

// DefaultJobTimeout is the timeout of a new job.
const DefaultJobTimeout = 10 * time.Second

// Channel returns the channel the job is for.
func (j *Job) Channel() *Channel {
	return j.channel
}

// Get takes a reference on j.
func (j *Job) Get() {
	j.IncRef()
}

// Put drops a reference on j. The last reference unpins it, drops its buffer,
// syncpoint and channel references and calls Release.
func (j *Job) Put() {
	j.put(false)
}

func (j *Job) put(onUpdate bool) {
	j.DecRef(func() { j.destroy(onUpdate) })
}

func (j *Job) destroy(onUpdate bool) {
	if j.State() == JobPinned {
		j.Unpin()
	}
	for _, s := range j.segments {
		if g, ok := s.(*GatherSegment); ok {
			g.BO.Put()
		}
	}
	j.segments = nil
	if j.Release != nil {
		j.Release(j)
	}
	j.Syncpt.Put()
	j.channel.put(onUpdate)
}

// State returns the current state of j.
func (j *Job) State() JobState {
	return JobState(j.state.Load())
}

func (j *Job) transition(from, to JobState) {
	if !j.state.CompareAndSwap(int32(from), int32(to)) {
		log.Traceback("job %p: illegal transition %v -> %v from state %v", j, from, to, j.State())
		panic(fmt.Sprintf("job: illegal transition %v -> %v from state %v", from, to, j.State()))
	}
}

// Err returns the error the job failed with.
func (j *Job) Err() error {
	return j.result.get()
}

// Segments returns the command stream of j.
func (j *Job) Segments() []Segment {
	return j.segments
}

// AddGather appends a gather of words words at byte offset of bo. The job
// takes a reference on bo.
func (j *Job) AddGather(bo BO, words, offset uint32) {
	if j.State() != JobBuilding {
		panic("AddGather on a job that is not being built")
	}
	bo.Get()
	j.segments = append(j.segments, &GatherSegment{BO: bo, Words: words, Offset: offset})
}

// AddWait appends a wait for syncpoint id to reach threshold.
func (j *Job) AddWait(id, threshold uint32) {
	if j.State() != JobBuilding {
		panic("AddWait on a job that is not being built")
	}
	j.segments = append(j.segments, &WaitSegment{ID: id, Threshold: threshold})
}

// AddForeignFence makes the job wait for f before any of its segments run.
// The wait does not block submission.
func (j *Job) AddForeignFence(f fence.Fence) {
	if j.State() != JobBuilding {
		panic("AddForeignFence on a job that is not being built")
	}
	j.foreign = append(j.foreign, f)
}

// ForeignFences returns the dependencies added with AddForeignFence.
func (j *Job) ForeignFences() []fence.Fence {
	return j.foreign
}

// Validate checks the job is complete and consistent.
func (j *Job) Validate() error {
	gathers := 0
	for _, s := range j.segments {
		switch s := s.(type) {
		case *GatherSegment:
			gathers++
			if s.Words == 0 || s.Offset%4 != 0 {
				return linuxerr.EINVAL
			}
			if uint64(s.Offset)+4*uint64(s.Words) > s.BO.Size() {
				return linuxerr.EINVAL
			}
		case *WaitSegment:
			if s.ID >= j.channel.host.NumSyncpts() {
				return linuxerr.EINVAL
			}
		}
	}
	if gathers == 0 {
		return linuxerr.EINVAL
	}
	// A job completes when its syncpoint reaches SyncptEnd, so it needs at
	// least one increment to stay pending until the engine runs it.
	if j.SyncptIncrs == 0 || j.SyncptIncrs > math.MaxUint16 || j.Timeout <= 0 {
		return linuxerr.EINVAL
	}
	j.transition(JobBuilding, JobValidated)
	return nil
}

// Pin pins every gather buffer for DMA. On failure the buffers pinned so far
// are unpinned and the job stays validated.
func (j *Job) Pin() error {
	as := j.channel.host.as
	for i, s := range j.segments {
		g, ok := s.(*GatherSegment)
		if !ok {
			continue
		}
		iova, err := g.BO.Pin(as)
		if err != nil {
			j.unpinSegments(j.segments[:i])
			return err
		}
		g.iova = iova
	}
	j.transition(JobValidated, JobPinned)
	return nil
}

// Unpin releases the DMA pins taken by Pin.
func (j *Job) Unpin() {
	j.unpinSegments(j.segments)
}

func (j *Job) unpinSegments(segs []Segment) {
	as := j.channel.host.as
	for _, s := range segs {
		if g, ok := s.(*GatherSegment); ok && g.iova != 0 {
			g.BO.Unpin(as, g.iova)
			g.iova = 0
		}
	}
}

// Fence returns the fence that signals when the job completes. It is only
// valid once the job has been submitted.
func (j *Job) Fence() *Fence {
	return &Fence{sp: j.Syncpt, threshold: j.SyncptEnd, result: &j.result}
}

// fail records err as the result of j; the first error wins.
func (j *Job) fail(err error) {
	j.result.set(err)
}

// complete moves a submitted job to its final state and calls Done.
func (j *Job) complete() {
	err := j.Err()
	if err != nil {
		j.transition(JobSubmitted, JobFailed)
	} else {
		j.transition(JobSubmitted, JobCompleted)
	}
	if j.Done != nil {
		j.Done(j, err)
	}
}

// armGate arranges for the gate increment once every pending foreign fence
// has signaled.
func (j *Job) armGate(pending []fence.Fence) {
	var remaining atomic.Int32
	remaining.Store(int32(len(pending)))
	for _, f := range pending {
		f := f
		cb := func() {
			if err := f.Err(); err != nil {
				log.Debugf("job %p: foreign dependency %v failed: %v", j, f, err)
			}
			if remaining.Add(-1) == 0 {
				j.fireGate()
			}
		}
		if !f.AddCallback(cb) {
			cb()
		}
	}
}

// fireGate releases the gate wait of j. The CPU increment is ordered after
// every increment promised before the gate, so it never completes earlier
// work. It happens at most once, and not at all if recovery already moved the
// syncpoint past the gate.
func (j *Job) fireGate() {
	j.Syncpt.AddAction(j.gateThreshold-1, func() {
		if j.gateFired.CompareAndSwap(false, true) {
			j.Syncpt.incr(1)
		}
	})
}
