package model

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	bucketMeta         = "meta"
	bucketUIDMap       = "uid_map"
	bucketPatientMap   = "patient_map"
	bucketAccessionMap = "accession_map"
	bucketPHIIndex     = "phi_index"
	bucketCounters     = "counters"
	bucketScript       = "script"
	bucketPseudoKey    = "pseudo_key"
)

var dataKey = []byte("data")

func init() {
	gob.Register(&PHIRecord{})
	gob.Register(tag.Tag{})
}

type metaRecord struct {
	Version               int
	UIDRoot               string
	Site                  string
	DefaultAnonPatientID  string
	QuarantineOnMissingID bool
}

type bidiMap struct {
	Forward map[string]string
	Inverse map[string]string
}

type counters struct {
	UID, Patient, Accession, Quarantined int64
}

type scriptTables struct {
	TagKeep      map[tag.Tag]string
	TagAlways    map[tag.Tag]bool
	ScriptParams map[string]string
}

// writeBoltSnapshot builds a fresh bbolt database at path holding one
// gob-encoded blob per bucket: the three bidirectional maps, the PHI
// index, the counters, the compiled script tables, and the pseudo-key
// map, each under its own named bucket.
func writeBoltSnapshot(path string, snap Snapshot) error {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("model: open db: %w", err)
	}
	defer db.Close()

	entries := []struct {
		bucket string
		value  interface{}
	}{
		{bucketMeta, metaRecord{
			Version:               snap.Version,
			UIDRoot:               snap.UIDRoot,
			Site:                  snap.Site,
			DefaultAnonPatientID:  snap.DefaultAnonPatientID,
			QuarantineOnMissingID: snap.QuarantineOnMissingID,
		}},
		{bucketUIDMap, bidiMap{Forward: snap.UIDMap, Inverse: snap.UIDMapInverse}},
		{bucketPatientMap, bidiMap{Forward: snap.PatientIDMap, Inverse: snap.PatientIDMapInverse}},
		{bucketAccessionMap, bidiMap{Forward: snap.AccessionMap, Inverse: snap.AccessionMapInverse}},
		{bucketPHIIndex, snap.PHIIndex},
		{bucketCounters, counters{
			UID:         snap.NextUIDCounter,
			Patient:     snap.NextPatientCounter,
			Accession:   snap.NextAccessionCounter,
			Quarantined: snap.QuarantinedCount,
		}},
		{bucketScript, scriptTables{TagKeep: snap.TagKeep, TagAlways: snap.TagAlways, ScriptParams: snap.ScriptParams}},
		{bucketPseudoKey, snap.PseudoKeyMap},
	}

	return db.Update(func(tx *bbolt.Tx) error {
		for _, e := range entries {
			b, err := tx.CreateBucketIfNotExists([]byte(e.bucket))
			if err != nil {
				return fmt.Errorf("model: create bucket %s: %w", e.bucket, err)
			}
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(e.value); err != nil {
				return fmt.Errorf("model: encode %s: %w", e.bucket, err)
			}
			if err := b.Put(dataKey, buf.Bytes()); err != nil {
				return fmt.Errorf("model: put %s: %w", e.bucket, err)
			}
		}
		return nil
	})
}

func readBoltSnapshot(path string) (*Snapshot, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("model: open db: %w", err)
	}
	defer db.Close()

	snap := &Snapshot{}
	err = db.View(func(tx *bbolt.Tx) error {
		var meta metaRecord
		if err := decodeBucket(tx, bucketMeta, &meta); err != nil {
			return err
		}
		snap.Version = meta.Version
		snap.UIDRoot = meta.UIDRoot
		snap.Site = meta.Site
		snap.DefaultAnonPatientID = meta.DefaultAnonPatientID
		snap.QuarantineOnMissingID = meta.QuarantineOnMissingID

		var uidMap, patientMap, accMap bidiMap
		if err := decodeBucket(tx, bucketUIDMap, &uidMap); err != nil {
			return err
		}
		if err := decodeBucket(tx, bucketPatientMap, &patientMap); err != nil {
			return err
		}
		if err := decodeBucket(tx, bucketAccessionMap, &accMap); err != nil {
			return err
		}
		snap.UIDMap, snap.UIDMapInverse = uidMap.Forward, uidMap.Inverse
		snap.PatientIDMap, snap.PatientIDMapInverse = patientMap.Forward, patientMap.Inverse
		snap.AccessionMap, snap.AccessionMapInverse = accMap.Forward, accMap.Inverse

		if err := decodeBucket(tx, bucketPHIIndex, &snap.PHIIndex); err != nil {
			return err
		}

		var c counters
		if err := decodeBucket(tx, bucketCounters, &c); err != nil {
			return err
		}
		snap.NextUIDCounter, snap.NextPatientCounter = c.UID, c.Patient
		snap.NextAccessionCounter, snap.QuarantinedCount = c.Accession, c.Quarantined

		var st scriptTables
		if err := decodeBucket(tx, bucketScript, &st); err != nil {
			return err
		}
		snap.TagKeep, snap.TagAlways, snap.ScriptParams = st.TagKeep, st.TagAlways, st.ScriptParams

		return decodeBucket(tx, bucketPseudoKey, &snap.PseudoKeyMap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func decodeBucket(tx *bbolt.Tx, name string, out interface{}) error {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return fmt.Errorf("model: missing bucket %s", name)
	}
	data := b.Get(dataKey)
	if data == nil {
		return fmt.Errorf("model: missing data in bucket %s", name)
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}
