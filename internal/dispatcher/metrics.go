/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

var (
	jobsProcessed         *prometheus.CounterVec
	jobProcessingDuration *prometheus.HistogramVec
	jobQueueWaitDuration  *prometheus.HistogramVec
	leasedJobs            *prometheus.GaugeVec
)

// InitMetrics registers the dispatcher's job-processing gauges/counters.
// Safe to call more than once per process (e.g. in tests): an
// already-registered collector is treated as already initialized.
func InitMetrics() error {
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_gateway_jobs_processed_total",
			Help: "Total number of jobs processed by kind and outcome",
		}, []string{"kind", "result"},
	)
	jobProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_gateway_job_processing_duration_seconds",
			Help:    "Duration of job handler execution by kind",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 15),
		}, []string{"kind"},
	)
	jobQueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_gateway_job_queue_wait_duration_seconds",
			Help:    "Time a job spent pending before being leased",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"kind"},
	)
	leasedJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_gateway_leased_jobs",
			Help: "Jobs currently leased and executing by kind",
		}, []string{"kind"},
	)

	for _, m := range []prometheus.Collector{jobsProcessed, jobProcessingDuration, jobQueueWaitDuration, leasedJobs} {
		if err := prometheus.Register(m); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func recordQueueWait(kind string, runAt time.Time) {
	if jobQueueWaitDuration == nil {
		return
	}
	jobQueueWaitDuration.WithLabelValues(kind).Observe(time.Since(runAt).Seconds())
}

func recordProcessed(kind, result string, d time.Duration) {
	if jobsProcessed == nil {
		return
	}
	jobsProcessed.WithLabelValues(kind, result).Inc()
	jobProcessingDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func incLeased(kind string) {
	if leasedJobs != nil {
		leasedJobs.WithLabelValues(kind).Inc()
	}
}

func decLeased(kind string) {
	if leasedJobs != nil {
		leasedJobs.WithLabelValues(kind).Dec()
	}
}
