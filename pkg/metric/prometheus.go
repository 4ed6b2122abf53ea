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

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name such as "/host1x/submits" to the
// Prometheus form "host1x_submits".
func PrometheusName(name string) string {
	name = strings.TrimPrefix(name, "/")
	return strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
}

// family builds the Prometheus metric family for r. Every allowed field
// combination is exported, including zero values, so that scrapers see a
// stable set of series.
func (r *registered) family() *dto.MetricFamily {
	mapper, err := newFieldMapper(r.fields...)
	if err != nil {
		// Checked at registration.
		panic(err)
	}
	typ := dto.MetricType_COUNTER
	if r.kind == kindGauge {
		typ = dto.MetricType_GAUGE
	}
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(r.name)),
		Help: proto.String(r.description),
		Type: typ.Enum(),
	}
	for key := 0; key < mapper.numFieldCombinations; key++ {
		values := mapper.keyToMultiField(key)
		m := &dto.Metric{}
		for i, v := range values {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(r.fields[i].name),
				Value: proto.String(v),
			})
		}
		val := float64(r.value(values...))
		if r.kind == kindGauge {
			m.Gauge = &dto.Gauge{Value: proto.Float64(val)}
		} else {
			m.Counter = &dto.Counter{Value: proto.Float64(val)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format. It returns the number of bytes written.
func WritePrometheus(w io.Writer) (int, error) {
	total := 0
	for _, r := range sortedMetrics() {
		n, err := expfmt.MetricFamilyToText(w, r.family())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
