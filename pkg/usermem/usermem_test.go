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

package usermem

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/host1x/pkg/binary"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
)

func newBytesIOString(s string) *BytesIO {
	return &BytesIO{Bytes: []byte(s)}
}

func TestBytesIOCopyOutSuccess(t *testing.T) {
	b := newBytesIOString("ABCDE")
	n, err := b.CopyOut(context.Background(), 1, []byte("foo"))
	if wantN := 3; n != wantN || err != nil {
		t.Errorf("CopyOut: got (%v, %v), wanted (%v, nil)", n, err, wantN)
	}
	if got, want := b.Bytes, []byte("AfooE"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}

func TestBytesIOCopyOutFailure(t *testing.T) {
	b := newBytesIOString("ABC")
	n, err := b.CopyOut(context.Background(), 1, []byte("foo"))
	if wantN, wantErr := 2, linuxerr.EFAULT; n != wantN || err != wantErr {
		t.Errorf("CopyOut: got (%v, %v), wanted (%v, %v)", n, err, wantN, wantErr)
	}
	if got, want := b.Bytes, []byte("Afo"); !bytes.Equal(got, want) {
		t.Errorf("Bytes: got %q, wanted %q", got, want)
	}
}

func TestBytesIOCopyInSuccess(t *testing.T) {
	b := newBytesIOString("AfooE")
	var dst [3]byte
	n, err := b.CopyIn(context.Background(), 1, dst[:])
	if wantN := 3; n != wantN || err != nil {
		t.Errorf("CopyIn: got (%v, %v), wanted (%v, nil)", n, err, wantN)
	}
	if got, want := dst[:], []byte("foo"); !bytes.Equal(got, want) {
		t.Errorf("dst: got %q, wanted %q", got, want)
	}
}

func TestBytesIOCopyInFailure(t *testing.T) {
	b := newBytesIOString("Afo")
	var dst [3]byte
	n, err := b.CopyIn(context.Background(), 1, dst[:])
	if wantN, wantErr := 2, linuxerr.EFAULT; n != wantN || err != wantErr {
		t.Errorf("CopyIn: got (%v, %v), wanted (%v, %v)", n, err, wantN, wantErr)
	}
	if got, want := dst[:], []byte("fo\x00"); !bytes.Equal(got, want) {
		t.Errorf("dst: got %q, wanted %q", got, want)
	}
}

func TestBytesIOBase(t *testing.T) {
	b := &BytesIO{Base: 0x1000}
	addr := b.Stage([]byte("abc"))
	if addr != 0x1000 {
		t.Fatalf("Stage = %#x, want 0x1000", addr)
	}
	next := b.Stage([]byte("d"))
	if next != 0x1008 {
		t.Fatalf("second Stage = %#x, want 0x1008", next)
	}
	var dst [3]byte
	if _, err := b.CopyIn(context.Background(), 0x800, dst[:]); err != linuxerr.EFAULT {
		t.Errorf("CopyIn below Base = %v, want EFAULT", err)
	}
	if _, err := b.CopyIn(context.Background(), addr, dst[:]); err != nil || string(dst[:]) != "abc" {
		t.Errorf("CopyIn(%#x) = %q, %v; want abc, nil", addr, dst, err)
	}
}

type testStruct struct {
	A uint32
	B uint64
	C [2]uint32
}

func TestCopyObject(t *testing.T) {
	b := &BytesIO{Base: 0x4000}
	want := testStruct{A: 1, B: 2, C: [2]uint32{3, 4}}
	addr := b.StageObject(&want)
	var got testStruct
	if err := CopyObjectIn(context.Background(), b, addr, &got); err != nil {
		t.Fatalf("CopyObjectIn: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CopyObjectIn mismatch (-want +got):\n%s", diff)
	}
	if err := CopyObjectIn(context.Background(), b, addr+8, &got); err != linuxerr.EFAULT {
		t.Errorf("CopyObjectIn past end = %v, want EFAULT", err)
	}
}

func TestCopyObjectsIn(t *testing.T) {
	b := &BytesIO{Base: 0x4000}
	items := []testStruct{{A: 1, B: 10}, {A: 2, C: [2]uint32{20, 21}}, {A: 3}}
	addr := b.StageObject(items)
	got := make([]testStruct, len(items))
	size := binary.Size(&testStruct{})
	if err := CopyObjectsIn(context.Background(), b, addr, 3, size, func(i uint32) any { return &got[i] }); err != nil {
		t.Fatalf("CopyObjectsIn: %v", err)
	}
	if diff := cmp.Diff(items, got); diff != "" {
		t.Errorf("CopyObjectsIn mismatch (-want +got):\n%s", diff)
	}
	if err := CopyObjectsIn(context.Background(), b, addr, 4, size, func(i uint32) any { return &testStruct{} }); err != linuxerr.EFAULT {
		t.Errorf("CopyObjectsIn past end = %v, want EFAULT", err)
	}
}

func TestCopyWordsIn(t *testing.T) {
	b := &BytesIO{}
	addr := b.Stage([]byte{1, 0, 0, 0, 2, 0, 0, 0})
	words, err := CopyWordsIn(context.Background(), b, addr, 2)
	if err != nil {
		t.Fatalf("CopyWordsIn: %v", err)
	}
	if diff := cmp.Diff([]uint32{1, 2}, words); diff != "" {
		t.Errorf("CopyWordsIn mismatch (-want +got):\n%s", diff)
	}
	if _, err := CopyWordsIn(context.Background(), b, addr, 3); err != linuxerr.EFAULT {
		t.Errorf("CopyWordsIn past end = %v, want EFAULT", err)
	}
}
