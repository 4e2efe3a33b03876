package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.Datasets.Admitted != 0 {
		t.Errorf("expected 0 admitted datasets, got %d", s.Datasets.Admitted)
	}
}

func TestDatasetCounters(t *testing.T) {
	m := New()
	m.DatasetsAdmitted.Add(10)
	m.DatasetsAnonymized.Add(7)
	m.DatasetsQuarantined.Add(3)

	s := m.Snapshot()
	if s.Datasets.Admitted != 10 {
		t.Errorf("Admitted: got %d, want 10", s.Datasets.Admitted)
	}
	if s.Datasets.Anonymized != 7 {
		t.Errorf("Anonymized: got %d, want 7", s.Datasets.Anonymized)
	}
	if s.Datasets.Quarantined != 3 {
		t.Errorf("Quarantined: got %d, want 3", s.Datasets.Quarantined)
	}
}

func TestRecordQuarantineByKind(t *testing.T) {
	m := New()
	m.RecordQuarantine("INVALID_DICOM")
	m.RecordQuarantine("INVALID_DICOM")
	m.RecordQuarantine("MISSING_ATTRIBUTES")

	s := m.Snapshot()
	if s.QuarantineByKind["INVALID_DICOM"] != 2 {
		t.Errorf("INVALID_DICOM: got %d, want 2", s.QuarantineByKind["INVALID_DICOM"])
	}
	if s.QuarantineByKind["MISSING_ATTRIBUTES"] != 1 {
		t.Errorf("MISSING_ATTRIBUTES: got %d, want 1", s.QuarantineByKind["MISSING_ATTRIBUTES"])
	}
	if _, present := s.QuarantineByKind["STORAGE_ERROR"]; present {
		t.Error("STORAGE_ERROR should be absent from snapshot when count is 0")
	}
}

func TestRecordQuarantineUnknownKindIgnored(t *testing.T) {
	m := New()
	m.RecordQuarantine("NOT_A_REAL_KIND")
	s := m.Snapshot()
	if len(s.QuarantineByKind) != 0 {
		t.Errorf("unknown kind should not appear in snapshot, got %v", s.QuarantineByKind)
	}
}

func TestPixelPHICounters(t *testing.T) {
	m := New()
	m.PixelPHIQueued.Add(5)
	m.PixelPHIRedacted.Add(4)

	s := m.Snapshot()
	if s.PixelPHI.Queued != 5 {
		t.Errorf("Queued: got %d, want 5", s.PixelPHI.Queued)
	}
	if s.PixelPHI.Redacted != 4 {
		t.Errorf("Redacted: got %d, want 4", s.PixelPHI.Redacted)
	}
}

func TestModelSaveCounters(t *testing.T) {
	m := New()
	m.ModelSaves.Add(3)
	m.ModelSaveErrors.Add(1)

	s := m.Snapshot()
	if s.Model.Saves != 3 {
		t.Errorf("Saves: got %d, want 3", s.Model.Saves)
	}
	if s.Model.SaveErrors != 1 {
		t.Errorf("SaveErrors: got %d, want 1", s.Model.SaveErrors)
	}
}

func TestRecordAnonLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordAnonLatency(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.AnonymizationMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.AnonymizationMs.Count)
	}
	if s.Latency.AnonymizationMs.MinMs < 90 || s.Latency.AnonymizationMs.MinMs > 110 {
		t.Errorf("MinMs: got %f, want ~100", s.Latency.AnonymizationMs.MinMs)
	}
}

func TestRecordAnonLatency_MinMaxMean(t *testing.T) {
	m := New()
	m.RecordAnonLatency(50 * time.Millisecond)
	m.RecordAnonLatency(150 * time.Millisecond)
	m.RecordAnonLatency(100 * time.Millisecond)

	s := m.Snapshot()
	ls := s.Latency.AnonymizationMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestSnapshotLatency_EmptyIsZeroValue(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.AnonymizationMs.Count != 0 {
		t.Errorf("empty anon latency count should be 0")
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStats_Record(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}
