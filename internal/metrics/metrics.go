// Package metrics provides lightweight, lock-minimal performance counters
// for the anonymization pipeline.
//
// Counters use sync/atomic so hot paths (per-dataset transform) incur no
// mutex contention. Latency statistics and per-kind maps use a single
// mutex each; they are updated at most once per dataset.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// quarantineKinds are the only keys ever present in a quarantine
// snapshot map; any other kind passed to RecordQuarantine is ignored.
var quarantineKinds = []string{
	"INVALID_DICOM", "DICOM_READ_ERROR", "MISSING_ATTRIBUTES",
	"INVALID_STORAGE_CLASS", "CAPTURE_PHI_ERROR", "STORAGE_ERROR",
}

// Metrics holds all runtime counters for a running anonymizer instance.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	DatasetsAdmitted    atomic.Int64
	DatasetsAnonymized  atomic.Int64
	DatasetsQuarantined atomic.Int64
	PixelPHIQueued      atomic.Int64
	PixelPHIRedacted    atomic.Int64
	ModelSaves          atomic.Int64
	ModelSaveErrors     atomic.Int64

	quarantineMu sync.Mutex
	quarantine   map[string]int64

	anonMu   sync.Mutex
	anonStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now(), quarantine: map[string]int64{}}
}

// RecordQuarantine increments the per-kind quarantine counter. Unknown
// kinds are ignored rather than growing the map unbounded.
func (m *Metrics) RecordQuarantine(kind string) {
	var known bool
	for _, k := range quarantineKinds {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return
	}
	m.quarantineMu.Lock()
	if m.quarantine == nil {
		m.quarantine = map[string]int64{}
	}
	m.quarantine[kind]++
	m.quarantineMu.Unlock()
}

// RecordAnonLatency records the duration of one dataset's anonymization pass.
func (m *Metrics) RecordAnonLatency(d time.Duration) {
	m.anonMu.Lock()
	m.anonStat.record(float64(d.Microseconds()) / 1000.0)
	m.anonMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.anonMu.Lock()
	anon := m.anonStat.snapshot()
	m.anonMu.Unlock()

	m.quarantineMu.Lock()
	byKind := make(map[string]int64, len(m.quarantine))
	for k, v := range m.quarantine {
		if v > 0 {
			byKind[k] = v
		}
	}
	m.quarantineMu.Unlock()

	return Snapshot{
		Datasets: DatasetSnapshot{
			Admitted:    m.DatasetsAdmitted.Load(),
			Anonymized:  m.DatasetsAnonymized.Load(),
			Quarantined: m.DatasetsQuarantined.Load(),
		},
		QuarantineByKind: byKind,
		PixelPHI: PixelPHISnapshot{
			Queued:   m.PixelPHIQueued.Load(),
			Redacted: m.PixelPHIRedacted.Load(),
		},
		Model: ModelSnapshot{
			Saves:      m.ModelSaves.Load(),
			SaveErrors: m.ModelSaveErrors.Load(),
		},
		Latency: LatencyGroup{
			AnonymizationMs: anon,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Datasets         DatasetSnapshot  `json:"datasets"`
	QuarantineByKind map[string]int64 `json:"quarantineByKind"`
	PixelPHI         PixelPHISnapshot `json:"pixelPhi"`
	Model            ModelSnapshot    `json:"model"`
	Latency          LatencyGroup     `json:"latency"`
	UptimeSecs       float64          `json:"uptimeSecs"`
}

// DatasetSnapshot holds dataset-level throughput counters.
type DatasetSnapshot struct {
	Admitted    int64 `json:"admitted"`
	Anonymized  int64 `json:"anonymized"`
	Quarantined int64 `json:"quarantined"`
}

// PixelPHISnapshot holds pixel-redaction queue counters.
type PixelPHISnapshot struct {
	Queued   int64 `json:"queued"`
	Redacted int64 `json:"redacted"`
}

// ModelSnapshot holds model persistence counters.
type ModelSnapshot struct {
	Saves      int64 `json:"saves"`
	SaveErrors int64 `json:"saveErrors"`
}

// LatencyGroup groups the latency dimensions tracked by the pipeline.
type LatencyGroup struct {
	AnonymizationMs LatencySnapshot `json:"anonymizationMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
