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

package metric

import (
	"bytes"
	"testing"

	"github.com/prometheus/common/expfmt"
)

func TestFieldMapperRoundTrip(t *testing.T) {
	m, err := newFieldMapper(
		NewField("errno", []string{"EINVAL", "EBUSY", "ETIMEDOUT"}),
		NewField("class", []string{"vic", "nvdec"}),
	)
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	seen := map[int]bool{}
	for key := 0; key < m.numFieldCombinations; key++ {
		values := m.keyToMultiField(key)
		if got := m.lookup(values...); got != key {
			t.Errorf("lookup(%v) = %d, want %d", values, got, key)
		}
		seen[key] = true
	}
	if len(seen) != 6 {
		t.Errorf("got %d combinations, want 6", len(seen))
	}
}

func TestRegisterDuplicate(t *testing.T) {
	if _, err := NewUint64Metric("/test/duplicate", "first"); err != nil {
		t.Fatalf("NewUint64Metric: %v", err)
	}
	if _, err := NewUint64Metric("/test/duplicate", "second"); err != ErrNameInUse {
		t.Errorf("second NewUint64Metric = %v, want ErrNameInUse", err)
	}
	if _, err := NewUint64Metric("/test/nofield", "bad", NewField("f", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric with empty field = %v, want ErrFieldHasNoAllowedValues", err)
	}
}

func TestWritePrometheus(t *testing.T) {
	counter := MustCreateNewUint64Metric("/test/export/errors", "errors by kind", NewField("errno", []string{"EINVAL", "EBUSY"}))
	counter.Increment("EBUSY")
	counter.IncrementBy(3, "EBUSY")
	MustRegisterCustomUint64Metric("/test/export/channels", "channels in use", func(...string) uint64 { return 2 })

	var buf bytes.Buffer
	if _, err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("exported text does not parse: %v", err)
	}

	errs, ok := parsed["test_export_errors"]
	if !ok {
		t.Fatalf("test_export_errors missing from %v", parsed)
	}
	got := map[string]float64{}
	for _, m := range errs.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if got["EBUSY"] != 4 || got["EINVAL"] != 0 {
		t.Errorf("errors by errno = %v, want EBUSY=4 EINVAL=0", got)
	}

	ch, ok := parsed["test_export_channels"]
	if !ok {
		t.Fatalf("test_export_channels missing")
	}
	if v := ch.GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("channels gauge = %v, want 2", v)
	}
}
