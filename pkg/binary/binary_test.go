// Copyright 2018 The gVisor Authors.
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

package binary

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSize(t *testing.T) {
	if got, want := Size(uint32(10)), uintptr(4); got != want {
		t.Errorf("Got = %d, want = %d", got, want)
	}
	if got, want := Size(&outer{}), uintptr(1+2+4+8+1+2+4+8+20+4); got != want {
		t.Errorf("Size(outer) = %d, want = %d", got, want)
	}
}

func TestPanic(t *testing.T) {
	tests := []struct {
		name string
		f    func()
		want string
	}{
		{"Unmarshal int", func() { Unmarshal(nil, 5) }, "invalid type: int"},
		{"Unmarshal []int", func() { Unmarshal(make([]byte, 8), []int{5}) }, "invalid type: int"},
		{"Marshal int", func() { Marshal(nil, 5) }, "invalid type: int"},
		{"Size int", func() { Size(5) }, "invalid type: int"},
		{"BytesToWords odd", func() { BytesToWords(make([]byte, 5)) }, "buffer length 5"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if got := fmt.Sprint(r); !strings.HasPrefix(got, test.want) {
					t.Errorf("Got recover() = %q, want prefix = %q", got, test.want)
				}
			}()
			test.f()
		})
	}
}

type inner struct {
	Field int32
}

type outer struct {
	Int8   int8
	Int16  int16
	Int32  int32
	Int64  int64
	Uint8  uint8
	Uint16 uint16
	Uint32 uint32
	Uint64 uint64

	Array  [5]int32
	Struct inner
}

func TestUnmarshalLength(t *testing.T) {
	var v outer
	if err := Unmarshal(make([]byte, 3), &v); err == nil {
		t.Errorf("Unmarshal of a short buffer succeeded")
	}
	if err := Unmarshal(make([]byte, Size(&v)+1), &v); err == nil {
		t.Errorf("Unmarshal of a long buffer succeeded")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	want := outer{
		-1, 2, -3, 4, 5, 6, 7, 8,
		[5]int32{12, 13, 14, 15, 16},
		inner{17},
	}
	buf := Marshal(nil, &want)
	var got outer
	if err := Unmarshal(buf, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(outer{}, inner{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWords(t *testing.T) {
	words := []uint32{0x60000004, 0xdeadbeef, 0}
	buf := WordsToBytes(nil, words)
	if len(buf) != 12 || buf[0] != 0x04 || buf[3] != 0x60 {
		t.Fatalf("WordsToBytes = %x, want little endian encoding", buf)
	}
	if diff := cmp.Diff(words, BytesToWords(buf)); diff != "" {
		t.Errorf("BytesToWords mismatch (-want +got):\n%s", diff)
	}
}
