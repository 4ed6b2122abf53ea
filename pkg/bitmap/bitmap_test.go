// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAllocateBounded(t *testing.T) {
	b := New(8)
	var got []uint32
	for {
		bit, ok := b.Allocate(0)
		if !ok {
			break
		}
		got = append(got, bit)
	}
	want := []uint32{0, 1, 2, 3, 4, 5, 6, 7}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("allocated bits mismatch (-want +got):\n%s", diff)
	}
	if !b.Full() {
		t.Errorf("Full() = false after allocating every bit")
	}
}

func TestFirstZeroSkipsStart(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{1, 2, 3, 64, 65} {
		b.Add(i)
	}
	for _, tc := range []struct {
		start uint32
		want  uint32
	}{
		{0, 0},
		{1, 4},
		{64, 66},
		{129, 129},
	} {
		got, err := b.FirstZero(tc.start)
		if err != nil {
			t.Fatalf("FirstZero(%d): %v", tc.start, err)
		}
		if got != tc.want {
			t.Errorf("FirstZero(%d) = %d, want %d", tc.start, got, tc.want)
		}
	}
	if _, err := b.FirstZero(130); err == nil {
		t.Errorf("FirstZero(130) succeeded on a bitmap of size 130")
	}
}

func TestRemove(t *testing.T) {
	b := New(64)
	b.Add(5)
	b.Add(9)
	b.Remove(5)
	b.Remove(5)
	if b.GetNumOnes() != 1 {
		t.Errorf("GetNumOnes() = %d, want 1", b.GetNumOnes())
	}
	if b.Contains(5) || !b.Contains(9) {
		t.Errorf("Contains(5) = %t, Contains(9) = %t; want false, true", b.Contains(5), b.Contains(9))
	}
	if diff := cmp.Diff([]uint32{9}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
}
