// Copyright 2020 The gVisor Authors.
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

package refs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"gvisor.dev/host1x/pkg/log"
)

// CheckedObject is a reference-counted object tracked by the leak checker.
type CheckedObject interface {
	// RefType names the type of the object in reports.
	RefType() string

	// LeakMessage describes the object when it is found live at exit.
	LeakMessage() string

	// LogRefs reports whether reference events of the object are logged.
	LogRefs() bool
}

// live holds every registered object while leak checking is enabled.
var live = struct {
	mu   sync.Mutex
	objs map[CheckedObject]struct{}
}{objs: make(map[CheckedObject]struct{})}

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register starts tracking obj.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	live.mu.Lock()
	if _, ok := live.objs[obj]; ok {
		live.mu.Unlock()
		panic(fmt.Sprintf("%s %p registered twice", obj.RefType(), obj))
	}
	live.objs[obj] = struct{}{}
	live.mu.Unlock()
	logEvent(obj, "registered")
}

// Unregister stops tracking obj. Objects created before leak checking was
// enabled are ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	live.mu.Lock()
	_, ok := live.objs[obj]
	delete(live.objs, obj)
	live.mu.Unlock()
	if ok {
		logEvent(obj, "unregistered")
	}
}

// logRefChange logs a change of obj's reference count to refs.
func logRefChange(obj CheckedObject, op string, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("%s to %d", op, refs))
	}
}

func logEvent(obj CheckedObject, msg string) {
	if !obj.LogRefs() {
		return
	}
	log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, msg, FormatStack(RecordStack()))
}

// Live returns the leak messages of all registered objects, sorted.
func Live() []string {
	live.mu.Lock()
	msgs := make([]string, 0, len(live.objs))
	for obj := range live.objs {
		msgs = append(msgs, obj.LeakMessage())
	}
	live.mu.Unlock()
	sort.Strings(msgs)
	return msgs
}

var checkOnce sync.Once

// DoLeakCheck reports every object still registered as a leak, by warning or
// by panicking depending on the leak mode. It must run once nothing holds
// references any more; only the first call checks.
func DoLeakCheck() {
	if LeakCheckEnabled() {
		checkOnce.Do(func() {
			if report := leakReport(); report != "" {
				if GetLeakMode() == LeaksPanic {
					panic(report)
				}
				log.Warningf("%s", report)
			}
		})
	}
}

// leakReport returns a description of the registered objects, or "" if there
// are none.
func leakReport() string {
	msgs := Live()
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Leak checking detected %d leaked objects:\n", len(msgs))
	for _, msg := range msgs {
		b.WriteString(msg)
		b.WriteByte('\n')
	}
	return b.String()
}
