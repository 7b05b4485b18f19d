// Package observe provides the injected metrics collaborator used by the
// API layer, replacing ambient global counters.
package observe

import "sync/atomic"

// Stats is a point-in-time view of the process counters.
type Stats struct {
	Requests      uint64 `json:"requests"`
	Errors        uint64 `json:"errors"`
	JobsCompleted uint64 `json:"jobs_completed"`
	JobsFailed    uint64 `json:"jobs_failed"`
}

// Collector records request and job outcomes. It is owned by the process
// lifecycle and injected into the components that report into it.
type Collector interface {
	RecordRequest()
	RecordError()
	RecordJob(success bool)
	Snapshot() Stats
}

// Metrics is the default in-process Collector.
type Metrics struct {
	requests      atomic.Uint64
	errors        atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) RecordRequest() { m.requests.Add(1) }
func (m *Metrics) RecordError()   { m.errors.Add(1) }

func (m *Metrics) RecordJob(success bool) {
	if success {
		m.jobsCompleted.Add(1)
	} else {
		m.jobsFailed.Add(1)
	}
}

func (m *Metrics) Snapshot() Stats {
	return Stats{
		Requests:      m.requests.Load(),
		Errors:        m.errors.Load(),
		JobsCompleted: m.jobsCompleted.Load(),
		JobsFailed:    m.jobsFailed.Load(),
	}
}

// Nop discards everything; useful in tests.
type Nop struct{}

func (Nop) RecordRequest()  {}
func (Nop) RecordError()    {}
func (Nop) RecordJob(bool)  {}
func (Nop) Snapshot() Stats { return Stats{} }
