// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Recorder backed by four per-instance counters, registered
// against a caller-supplied registry so multiple gateway instances in the
// same process (tests) don't collide on prometheus.DefaultRegisterer.
type Prometheus struct {
	issued   prometheus.Counter
	verified prometheus.Counter
	rejected prometheus.Counter
	allowed  prometheus.Counter
}

// NewPrometheus creates and registers the four admission counters against
// reg. Pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to expose via the default /metrics handler.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pma_challenges_issued_total",
			Help: "Total challenges issued via the worker script endpoint.",
		}),
		verified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pma_challenges_verified_total",
			Help: "Total challenge verifications that matched and were admitted.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pma_challenges_rejected_total",
			Help: "Total challenge verifications that failed validation or lookup.",
		}),
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pma_allowed_total",
			Help: "Total requests forwarded to an upstream because the source was allowed.",
		}),
	}
	reg.MustRegister(p.issued, p.verified, p.rejected, p.allowed)
	return p
}

func (p *Prometheus) IncIssued()   { p.issued.Inc() }
func (p *Prometheus) IncVerified() { p.verified.Inc() }
func (p *Prometheus) IncRejected() { p.rejected.Inc() }
func (p *Prometheus) IncAllowed()  { p.allowed.Inc() }

// Handler returns the promhttp handler serving reg's metrics in the
// Prometheus exposition format, for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
