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

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/sync"
)

// ExecutedGather records a gather fetched by SimHardware.
type ExecutedGather struct {
	Class uint32
	Addr  uint64
	Words []uint32
}

// SimHardware executes channel command streams in software, one goroutine
// per channel. It understands the host1x class methods the engine emits
// (syncpoint waits and increments), fetches gathers through the address
// space and records them without interpreting their contents.
type SimHardware struct {
	mu sync.Mutex
	// +checklocks:mu
	channels map[*Channel]*simChannel
}

// NewSimHardware returns a simulated engine.
func NewSimHardware() *SimHardware {
	return &SimHardware{channels: make(map[*Channel]*simChannel)}
}

type simChannel struct {
	ch *Channel

	mu   sync.Mutex
	cond *sync.Cond
	// get and put are word offsets into the push buffer.
	// +checklocks:mu
	get uint32
	// +checklocks:mu
	put uint32
	// +checklocks:mu
	stopped bool
	// +checklocks:mu
	busy bool
	// +checklocks:mu
	dead bool
	// stopCh is closed by Stop to abort a blocking wait.
	// +checklocks:mu
	stopCh chan struct{}
	// +checklocks:mu
	executed []ExecutedGather
	// +checklocks:mu
	class uint32

	done chan struct{}
}

func (s *SimHardware) channel(ch *Channel) *simChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.channels[ch]
	if !ok {
		panic(fmt.Sprintf("%v is not initialized", ch))
	}
	return sc
}

// ChannelInit implements Hardware.ChannelInit.
func (s *SimHardware) ChannelInit(ch *Channel) error {
	sc := &simChannel{
		ch:     ch,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	sc.cond = sync.NewCond(&sc.mu)
	s.mu.Lock()
	s.channels[ch] = sc
	s.mu.Unlock()
	go sc.run() // S/R-SAFE: exits on Teardown.
	return nil
}

// Kick implements Hardware.Kick.
func (s *SimHardware) Kick(ch *Channel, put uint32) {
	sc := s.channel(ch)
	sc.mu.Lock()
	sc.put = put
	sc.cond.Broadcast()
	sc.mu.Unlock()
}

// Get implements Hardware.Get.
func (s *SimHardware) Get(ch *Channel) uint32 {
	sc := s.channel(ch)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.get
}

// Stop implements Hardware.Stop.
func (s *SimHardware) Stop(ch *Channel) {
	sc := s.channel(ch)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.stopped {
		sc.stopped = true
		close(sc.stopCh)
	}
}

// Idle implements Hardware.Idle.
func (s *SimHardware) Idle(ch *Channel) bool {
	sc := s.channel(ch)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return !sc.busy
}

// Restart implements Hardware.Restart.
func (s *SimHardware) Restart(ch *Channel, get uint32) {
	sc := s.channel(ch)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.get = get
	sc.put = get
	if sc.stopped {
		sc.stopped = false
		sc.stopCh = make(chan struct{})
	}
	sc.cond.Broadcast()
}

// Teardown implements Hardware.Teardown.
func (s *SimHardware) Teardown(ch *Channel) {
	s.mu.Lock()
	sc := s.channels[ch]
	delete(s.channels, ch)
	s.mu.Unlock()
	if sc == nil {
		return
	}
	sc.mu.Lock()
	sc.dead = true
	if !sc.stopped {
		sc.stopped = true
		close(sc.stopCh)
	}
	sc.cond.Broadcast()
	sc.mu.Unlock()
	<-sc.done
}

// Executed returns the gathers channel ch has fetched since it was
// initialized.
func (s *SimHardware) Executed(ch *Channel) []ExecutedGather {
	sc := s.channel(ch)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]ExecutedGather(nil), sc.executed...)
}

// fetch returns the next word, blocking until one is available. It returns
// false if the channel was stopped first.
func (sc *simChannel) fetch() (uint32, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for !sc.dead && (sc.stopped || sc.get == sc.put) {
		sc.busy = false
		sc.cond.Wait()
	}
	if sc.dead {
		return 0, false
	}
	sc.busy = true
	w := sc.ch.PushBufferWord(sc.get)
	sc.get++
	return w, true
}

// operand returns the word following an opcode, which Kick always publishes
// together with the opcode.
func (sc *simChannel) operand() (uint32, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.stopped || sc.get == sc.put {
		return 0, false
	}
	w := sc.ch.PushBufferWord(sc.get)
	sc.get++
	return w, true
}

func (sc *simChannel) run() {
	defer close(sc.done)
	for {
		w, ok := sc.fetch()
		if !ok {
			return
		}
		if !sc.execute(w) {
			sc.hang()
		}
	}
}

// hang parks the engine until it is stopped, as real hardware stalls on a
// fault until the channel is reset.
func (sc *simChannel) hang() {
	sc.mu.Lock()
	stop := sc.stopCh
	sc.mu.Unlock()
	<-stop
}

// execute runs one opcode. It returns false if the engine faulted.
func (sc *simChannel) execute(w uint32) bool {
	host := sc.ch.host
	d := abi.DecodeOpcode(w)
	switch d.Op {
	case abi.OpSetClass:
		sc.mu.Lock()
		sc.class = d.Class
		sc.mu.Unlock()
		for bit := uint32(0); bit < 6; bit++ {
			if d.Count&(1<<bit) == 0 {
				continue
			}
			v, ok := sc.operand()
			if !ok {
				return false
			}
			if d.Class == abi.CLASS_HOST1X && d.Offset+bit == abi.UCLASS_WAIT_SYNCPT {
				if !sc.waitSyncpt(v>>24, v&0xffffff) {
					return true
				}
			}
		}
	case abi.OpImm:
		if d.Offset == abi.UCLASS_INCR_SYNCPT {
			sp, err := host.Syncpt(d.Count & 0xff)
			if err != nil {
				log.Warningf("%v: increment of invalid syncpoint %d", sc.ch, d.Count&0xff)
				return false
			}
			sp.incr(1)
		}
	case abi.OpGather, abi.OpGatherW:
		lo, ok := sc.operand()
		if !ok {
			return false
		}
		addr := uint64(lo)
		if d.Op == abi.OpGatherW {
			hi, ok := sc.operand()
			if !ok {
				return false
			}
			addr |= uint64(hi) << 32
		}
		words, err := host.as.Read(addr, d.Count)
		if err != nil {
			log.Warningf("%v: gather of %d words at %#x faulted: %v", sc.ch, d.Count, addr, err)
			return false
		}
		sc.mu.Lock()
		sc.executed = append(sc.executed, ExecutedGather{Class: sc.class, Addr: addr, Words: words})
		sc.mu.Unlock()
	case abi.OpRestart:
		sc.mu.Lock()
		sc.get = d.Offset / 4
		sc.mu.Unlock()
	case abi.OpNop:
	default:
		log.Warningf("%v: unsupported opcode %#08x", sc.ch, w)
		return false
	}
	return true
}

// waitSyncpt blocks until syncpoint id reaches the 24-bit threshold. It
// returns false if the channel was stopped first.
func (sc *simChannel) waitSyncpt(id, threshold24 uint32) bool {
	sp, err := sc.ch.host.Syncpt(id)
	if err != nil {
		return true
	}
	// Recover the full threshold nearest to the current value.
	min := sp.ReadMin()
	diff := int32((threshold24-min)<<8) >> 8
	threshold := min + uint32(diff)

	sc.mu.Lock()
	stop := sc.stopCh
	sc.mu.Unlock()
	reached := make(chan struct{})
	a := sp.AddAction(threshold, func() { close(reached) })
	select {
	case <-reached:
		return true
	case <-stop:
		a.Cancel()
		return false
	}
}

// ManualHardware accepts command streams but never executes them. Tests
// complete jobs by incrementing syncpoints by hand.
type ManualHardware struct {
	mu sync.Mutex
	// +checklocks:mu
	put map[*Channel]uint32
	// +checklocks:mu
	stops map[*Channel]int
}

// NewManualHardware returns a ManualHardware.
func NewManualHardware() *ManualHardware {
	return &ManualHardware{
		put:   make(map[*Channel]uint32),
		stops: make(map[*Channel]int),
	}
}

// ChannelInit implements Hardware.ChannelInit.
func (m *ManualHardware) ChannelInit(ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put[ch] = 0
	return nil
}

// Kick implements Hardware.Kick.
func (m *ManualHardware) Kick(ch *Channel, put uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put[ch] = put
}

// Get implements Hardware.Get. Everything kicked counts as fetched.
func (m *ManualHardware) Get(ch *Channel) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put[ch]
}

// Stop implements Hardware.Stop.
func (m *ManualHardware) Stop(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[ch]++
}

// Idle implements Hardware.Idle.
func (m *ManualHardware) Idle(*Channel) bool {
	return true
}

// Restart implements Hardware.Restart.
func (m *ManualHardware) Restart(ch *Channel, get uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put[ch] = get
}

// Teardown implements Hardware.Teardown.
func (m *ManualHardware) Teardown(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.put, ch)
}

// Stops returns how many times ch has been stopped.
func (m *ManualHardware) Stops(ch *Channel) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops[ch]
}

// PushedWords returns the words of ch's push buffer between from and the
// last kick, following the RESTART at the end of the ring.
func PushedWords(ch *Channel, from, put uint32) []uint32 {
	var words []uint32
	size := ch.PushBufferWords()
	for off := from; off != put; {
		if off == size-2 {
			off = 0
			continue
		}
		words = append(words, ch.PushBufferWord(off))
		off++
	}
	return words
}

// Put returns the last put offset kicked on ch.
func (m *ManualHardware) Put(ch *Channel) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put[ch]
}
