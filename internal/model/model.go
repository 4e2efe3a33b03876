// Package model implements the persistent, thread-safe bidirectional
// PHI↔anonymous identifier maps that back the de-identification
// engine: UID, patient, and accession maps, the PHI index, monotonic
// counters, and the compiled script tables, all mutated under a
// single exclusive lock.
package model

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom-anonymizer/internal/derivations"
	"dicom-anonymizer/internal/script"
)

// ModelVersion is bumped whenever the persisted schema changes in a
// way that requires migration.
const ModelVersion = 1

var (
	// ErrVersionMismatch names a persisted model whose version differs
	// from ModelVersion. Load does not return it: Load returns the
	// model as stored, and the caller compares Version, builds a fresh
	// default model and MergeForwards the old data.
	ErrVersionMismatch = errors.New("model: version mismatch")
	// ErrCorruptModelAndBackup means both the primary model file and
	// its .bak companion failed to load: fatal, aborts startup.
	ErrCorruptModelAndBackup = errors.New("model: corrupt model and backup")
	// ErrMissingPseudoKeyMapping is returned by CapturePHI when a
	// pseudo-key map is configured, quarantine-on-missing is enabled,
	// and the input patient ID has no entry.
	ErrMissingPseudoKeyMapping = errors.New("model: missing pseudo-key mapping")
	// ErrInvalidDicom is returned by CapturePHI when required
	// identifying attributes are absent.
	ErrInvalidDicom = errors.New("model: invalid dicom dataset")
)

// PHIRecord is the per-source-patient bookkeeping entry, indexed by
// the anonymous patient ID it was issued.
type PHIRecord struct {
	PatientID     string
	PatientName   string
	AnonPatientID string
	Studies       map[string]*Study
}

// Study is one PHI study nested under a PHIRecord.
type Study struct {
	PHIStudyUID    string
	PHIStudyDate   string
	DateOffsetDays int
	PHIAccession   string
	AnonAccession  string
	Series         map[string]*Series
}

// Series is one PHI series nested under a Study.
type Series struct {
	PHISeriesUID string
	SOPInstances map[string]bool
}

// Snapshot is the full persisted state of a Model, gob-encoded across
// bbolt buckets by Save/Load.
type Snapshot struct {
	Version int

	UIDMap        map[string]string
	UIDMapInverse map[string]string

	PatientIDMap        map[string]string
	PatientIDMapInverse map[string]string

	AccessionMap        map[string]string
	AccessionMapInverse map[string]string

	PHIIndex map[string]*PHIRecord

	NextUIDCounter       int64
	NextPatientCounter   int64
	NextAccessionCounter int64

	QuarantinedCount int64

	TagKeep      map[tag.Tag]string
	TagAlways    map[tag.Tag]bool
	ScriptParams map[string]string

	PseudoKeyMap          map[string]string
	QuarantineOnMissingID bool

	UIDRoot              string
	Site                 string
	DefaultAnonPatientID string
}

// Model is the live, lockable anonymizer model.
type Model struct {
	mu      sync.Mutex
	changed bool
	Snapshot
}

// New builds a fresh default model seeded from compiled script tables.
func New(site, uidRoot, defaultAnonPatientID string, compiled *script.Compiled) *Model {
	m := &Model{
		Snapshot: Snapshot{
			Version:              ModelVersion,
			UIDMap:               map[string]string{},
			UIDMapInverse:        map[string]string{},
			PatientIDMap:         map[string]string{},
			PatientIDMapInverse:  map[string]string{},
			AccessionMap:         map[string]string{},
			AccessionMapInverse:  map[string]string{},
			PHIIndex:             map[string]*PHIRecord{},
			TagKeep:              map[tag.Tag]string{},
			TagAlways:            map[tag.Tag]bool{},
			ScriptParams:         map[string]string{},
			PseudoKeyMap:         map[string]string{},
			UIDRoot:              uidRoot,
			Site:                 site,
			DefaultAnonPatientID: defaultAnonPatientID,
		},
	}
	if compiled != nil {
		m.TagKeep = compiled.TagKeep
		m.TagAlways = compiled.TagAlways
		m.ScriptParams = compiled.ScriptParams
	}
	m.PHIIndex[defaultAnonPatientID] = &PHIRecord{
		AnonPatientID: defaultAnonPatientID,
		Studies:       map[string]*Study{},
	}
	return m
}

// PHIInput is the subset of one source dataset's identifying fields
// CapturePHI needs; the transform engine extracts these before
// mutating the dataset.
type PHIInput struct {
	Source        string
	PatientID     string
	PatientName   string
	StudyUID      string
	StudyDate     string
	SeriesUID     string
	SOPUID        string
	Accession     string
	DateDeltaDays int
}

// CapturePHI records one source dataset's identifying fields under
// its (possibly newly minted) anonymous patient ID, minting an
// accession mapping as needed. It returns the anonymous patient ID.
func (m *Model) CapturePHI(in PHIInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.StudyUID == "" || in.SeriesUID == "" || in.SOPUID == "" {
		return "", ErrInvalidDicom
	}

	patientID := in.PatientID
	if len(m.PseudoKeyMap) > 0 && patientID != "" {
		mapped, ok := m.PseudoKeyMap[patientID]
		if !ok {
			if m.QuarantineOnMissingID {
				return "", ErrMissingPseudoKeyMapping
			}
			patientID = ""
		} else {
			patientID = mapped
		}
	}

	anonPID := m.resolveAnonPatientIDLocked(patientID)

	rec, ok := m.PHIIndex[anonPID]
	if !ok {
		rec = &PHIRecord{
			PatientID:     in.PatientID,
			PatientName:   in.PatientName,
			AnonPatientID: anonPID,
			Studies:       map[string]*Study{},
		}
		m.PHIIndex[anonPID] = rec
	}

	study, ok := rec.Studies[in.StudyUID]
	if !ok {
		anonAcc := ""
		if in.Accession != "" {
			anonAcc = m.mintAccessionLocked(in.Accession)
		}
		study = &Study{
			PHIStudyUID:    in.StudyUID,
			PHIStudyDate:   in.StudyDate,
			DateOffsetDays: in.DateDeltaDays,
			PHIAccession:   in.Accession,
			AnonAccession:  anonAcc,
			Series:         map[string]*Series{},
		}
		rec.Studies[in.StudyUID] = study
	}

	series, ok := study.Series[in.SeriesUID]
	if !ok {
		series = &Series{PHISeriesUID: in.SeriesUID, SOPInstances: map[string]bool{}}
		study.Series[in.SeriesUID] = series
	}
	series.SOPInstances[in.SOPUID] = true

	m.changed = true
	return anonPID, nil
}

func (m *Model) resolveAnonPatientIDLocked(patientID string) string {
	if patientID == "" {
		return m.DefaultAnonPatientID
	}
	if anon, ok := m.PatientIDMap[patientID]; ok {
		return anon
	}
	m.NextPatientCounter++
	anon := derivations.FormatAnonPatientID(m.Site, m.NextPatientCounter)
	m.PatientIDMap[patientID] = anon
	m.PatientIDMapInverse[anon] = patientID
	return anon
}

func (m *Model) mintAccessionLocked(phiAcc string) string {
	if anon, ok := m.AccessionMap[phiAcc]; ok {
		return anon
	}
	m.NextAccessionCounter++
	anon := derivations.FormatAnonAccession(m.NextAccessionCounter)
	m.AccessionMap[phiAcc] = anon
	m.AccessionMapInverse[anon] = phiAcc
	return anon
}

// GetAnonPatientID looks up an existing anonymous patient ID without
// minting one. An empty patientID always resolves to the default.
func (m *Model) GetAnonPatientID(patientID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patientID == "" {
		return m.DefaultAnonPatientID, true
	}
	v, ok := m.PatientIDMap[patientID]
	return v, ok
}

// GetAnonUID looks up an existing anonymous UID without minting one.
func (m *Model) GetAnonUID(phiUID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.UIDMap[phiUID]
	return v, ok
}

// GetNextAnonUID returns the existing anonymous UID for phiUID,
// minting and recording one if absent.
func (m *Model) GetNextAnonUID(phiUID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if anon, ok := m.UIDMap[phiUID]; ok {
		return anon
	}
	m.NextUIDCounter++
	anon := derivations.FormatAnonUID(m.UIDRoot, m.Site, m.NextUIDCounter)
	m.UIDMap[phiUID] = anon
	m.UIDMapInverse[anon] = phiUID
	m.changed = true
	return anon
}

// GetAnonAccNo looks up an existing anonymous accession number
// without minting one.
func (m *Model) GetAnonAccNo(phiAcc string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.AccessionMap[phiAcc]
	return v, ok
}

// GetNextAnonAccNo returns the existing anonymous accession number
// for phiAcc, minting one if absent.
func (m *Model) GetNextAnonAccNo(phiAcc string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	anon := m.mintAccessionLocked(phiAcc)
	m.changed = true
	return anon
}

// RemoveUID reverses the effect of minting an anonymous UID for
// phiUID, used to roll back a partially-anonymized instance on
// storage failure.
func (m *Model) RemoveUID(phiUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if anon, ok := m.UIDMap[phiUID]; ok {
		delete(m.UIDMap, phiUID)
		delete(m.UIDMapInverse, anon)
		m.changed = true
	}
}

// IncrementQuarantined bumps the quarantined-item counter.
func (m *Model) IncrementQuarantined() {
	m.mu.Lock()
	m.QuarantinedCount++
	m.changed = true
	m.mu.Unlock()
}

// QuarantinedCountValue reports the current quarantine counter.
func (m *Model) QuarantinedCountValue() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.QuarantinedCount
}

// Dirty reports whether the model has unsaved changes.
func (m *Model) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Save persists the model atomically: it writes a fresh bbolt
// database at path+".tmp", rotates any existing file at path to
// path+".bak", then renames the temp file into place.
func (m *Model) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmpPath := path + ".tmp"
	if err := writeBoltSnapshot(tmpPath, m.Snapshot); err != nil {
		return fmt.Errorf("model: save: write temp: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("model: save: rotate backup: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("model: save: finalize: %w", err)
	}
	m.changed = false
	return nil
}

// Load reads a persisted model from path, falling back to path+".bak"
// on any read failure. It does not migrate; callers should check the
// returned Snapshot's Version against ModelVersion and, on mismatch,
// build a fresh model via New and MergeForward the result.
func Load(path string) (*Model, error) {
	snap, err := readBoltSnapshot(path)
	if err != nil {
		snap, err = readBoltSnapshot(path + ".bak")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptModelAndBackup, err)
		}
	}
	return &Model{Snapshot: *snap}, nil
}

// MergeForward copies the stateful fields of old (maps, counters,
// quarantine count, pseudo-key map) into fresh, keeping fresh's
// version and script tables. It mirrors the Python migration's
// __dict__.update field copy-forward.
func MergeForward(old, fresh *Model) *Model {
	fresh.UIDMap = old.UIDMap
	fresh.UIDMapInverse = old.UIDMapInverse
	fresh.PatientIDMap = old.PatientIDMap
	fresh.PatientIDMapInverse = old.PatientIDMapInverse
	fresh.AccessionMap = old.AccessionMap
	fresh.AccessionMapInverse = old.AccessionMapInverse
	fresh.PHIIndex = old.PHIIndex
	fresh.NextUIDCounter = old.NextUIDCounter
	fresh.NextPatientCounter = old.NextPatientCounter
	fresh.NextAccessionCounter = old.NextAccessionCounter
	fresh.QuarantinedCount = old.QuarantinedCount
	fresh.PseudoKeyMap = old.PseudoKeyMap
	fresh.changed = true
	return fresh
}
