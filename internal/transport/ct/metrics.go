/*
 * Copyright 2025 Intel Corporation
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ct

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "send",
			Name:      "requests_total",
			Help:      "Blocking requests by outcome.",
		},
		[]string{"result"},
	)
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ct",
			Subsystem: "send",
			Name:      "request_duration_seconds",
			Help:      "Blocking request round-trip time.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
	)
	asyncSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "send",
			Name:      "async_total",
			Help:      "Non-blocking sends by outcome.",
		},
		[]string{"result"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "recv",
			Name:      "events_total",
			Help:      "Inbound events by route.",
		},
		[]string{"route"},
	)
	stallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "health",
			Name:      "stalls_total",
			Help:      "Send-side stalls that broke the channel.",
		},
	)
	corruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ct",
			Subsystem: "health",
			Name:      "corruptions_total",
			Help:      "Descriptor or message corruption detections.",
		},
	)
)

// RegisterMetrics registers the transport collectors with the default
// Prometheus registry. Safe to call from multiple channels.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requestsTotal, requestDuration, asyncSendsTotal,
			eventsTotal, stallsTotal, corruptionsTotal)
	})
}

func recordRequest(result string, d time.Duration) {
	requestsTotal.WithLabelValues(result).Inc()
	requestDuration.Observe(d.Seconds())
}

func recordAsyncSend(result string) {
	asyncSendsTotal.WithLabelValues(result).Inc()
}

func recordEvent(route string) {
	eventsTotal.WithLabelValues(route).Inc()
}
