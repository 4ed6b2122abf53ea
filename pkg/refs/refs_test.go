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
	"strings"
	"sync"
	"testing"
)

func TestDestroyOnce(t *testing.T) {
	var r Refs
	r.InitRefs("test.Object")
	r.IncRef()
	destroyed := 0
	destroy := func() { destroyed++ }
	r.DecRef(destroy)
	if destroyed != 0 {
		t.Fatalf("destroyed after first DecRef with one reference left")
	}
	r.DecRef(destroy)
	if destroyed != 1 {
		t.Fatalf("destroyed %d times, want 1", destroyed)
	}
	if r.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	var r Refs
	r.InitRefs("test.Object")
	r.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on zero references did not panic")
		}
	}()
	r.DecRef(nil)
}

func TestConcurrentTryIncRef(t *testing.T) {
	var r Refs
	r.InitRefs("test.Object")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryIncRef() {
				r.DecRef(func() { t.Errorf("destroyed while the initial reference is held") })
			}
		}()
	}
	wg.Wait()
	if got := r.ReadRefs(); got != 1 {
		t.Errorf("ReadRefs() = %d, want 1", got)
	}
}

func TestLeakRegistry(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	var r Refs
	r.InitRefs("test.Leaky")
	live := Live()
	found := false
	for _, msg := range live {
		if strings.Contains(msg, "test.Leaky") {
			found = true
		}
	}
	if !found {
		t.Fatalf("Live() = %q, want an entry for test.Leaky", live)
	}
	r.DecRef(nil)
	for _, msg := range Live() {
		if strings.Contains(msg, "test.Leaky") {
			t.Errorf("object still registered after release: %q", msg)
		}
	}
}

func TestLeakReport(t *testing.T) {
	// Created before checking is on, so never registered.
	var early Refs
	early.InitRefs("test.Early")

	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)
	if got := leakReport(); got != "" {
		t.Fatalf("leakReport() with nothing live = %q, want empty", got)
	}
	var r Refs
	r.InitRefs("test.Reported")
	report := leakReport()
	if !strings.Contains(report, "1 leaked objects") || !strings.Contains(report, "test.Reported") {
		t.Errorf("leakReport() = %q, want one test.Reported entry", report)
	}
	r.DecRef(nil)
	early.DecRef(nil)
	if got := leakReport(); got != "" {
		t.Errorf("leakReport() after release = %q, want empty", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want LeakMode
	}{
		{"disabled", NoLeakChecking},
		{"log-names", LeaksLogWarning},
		{"panic", LeaksPanic},
	} {
		var m LeakMode
		if err := m.Set(tc.in); err != nil {
			t.Fatalf("Set(%q): %v", tc.in, err)
		}
		if m != tc.want || m.String() != tc.in {
			t.Errorf("Set(%q) = %v (%s), want %v", tc.in, m, m, tc.want)
		}
	}
	var m LeakMode
	if err := m.Set("sometimes"); err == nil {
		t.Errorf("Set(sometimes) succeeded, want error")
	}
}
