// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package elfgen

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	phaseLayout = "layout"
	phaseWrite  = "write"
)

// Metrics are the collectors shared by every image generated by a process.
type Metrics struct {
	unitsWritten  *prometheus.CounterVec
	bytesWritten  prometheus.Counter
	relocations   *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	errors        *prometheus.CounterVec
}

// NewMetrics registers the image collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		unitsWritten: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfgen_units_written_total",
			Help: "Total number of deferred units serialized, by section type.",
		}, []string{"type"}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "elfgen_bytes_written_total",
			Help: "Total number of bytes of ELF images written.",
		}),
		relocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfgen_relocations_total",
			Help: "Total number of relocation rows laid out, by link kind.",
		}, []string{"kind"}),
		phaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elfgen_phase_duration_seconds",
			Help:    "Time spent in each phase of image generation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"phase"}),
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfgen_errors_total",
			Help: "Total number of failed phases.",
		}, []string{"phase"}),
	}
}
