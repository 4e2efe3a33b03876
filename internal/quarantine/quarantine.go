// Package quarantine routes failed datasets and unreadable files into
// typed, timestamped subtrees under a project's private directory.
package quarantine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/suyashkumar/dicom"

	"dicom-anonymizer/internal/logger"
	"dicom-anonymizer/internal/store"
)

// Kind is one of the typed quarantine subtrees.
type Kind string

const (
	InvalidDicom        Kind = "INVALID_DICOM"
	DicomReadError      Kind = "DICOM_READ_ERROR"
	MissingAttributes   Kind = "MISSING_ATTRIBUTES"
	InvalidStorageClass Kind = "INVALID_STORAGE_CLASS"
	CapturePHIError     Kind = "CAPTURE_PHI_ERROR"
	StorageError        Kind = "STORAGE_ERROR"
)

// Counter is satisfied by the model: quarantine never mutates model
// state beyond bumping this one counter.
type Counter interface {
	IncrementQuarantined()
}

// Quarantine writes to quarantineDir/<KIND>/...
type Quarantine struct {
	root    string
	counter Counter
	log     *logger.Logger
}

// New builds a Quarantine rooted at quarantineDir (typically
// project_dir/private/quarantine, per the project's configuration).
func New(quarantineDir string, counter Counter, log *logger.Logger) *Quarantine {
	return &Quarantine{root: quarantineDir, counter: counter, log: log}
}

// File copies an unreadable or invalid source file into kind's
// subtree, named after the source with an HHMMSS suffix. It refuses
// to overwrite an existing target, matching the reference's
// no-clobber policy. The quarantine counter is bumped only once the
// copy has actually succeeded.
func (q *Quarantine) File(kind Kind, sourcePath string) error {
	dir := filepath.Join(q.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("quarantine: mkdir %s: %w", dir, err)
	}
	target := filepath.Join(dir, filepath.Base(sourcePath)+"."+time.Now().Format("150405"))
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("quarantine: target already exists: %s", target)
	}
	if err := copyFile(sourcePath, target); err != nil {
		return err
	}
	q.counter.IncrementQuarantined()
	return nil
}

// Dataset saves ds at the store-layout path rooted under kind. A
// write failure is logged as critical and never returned; the
// quarantine counter is bumped only once the write has succeeded.
func (q *Quarantine) Dataset(kind Kind, ds dicom.Dataset, ids store.Identifiers) {
	dir := filepath.Join(q.root, string(kind))
	path, err := store.DatasetPath(dir, ids)
	if err != nil {
		q.log.Errorf("dataset", "quarantine: dataset path: %v", err)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		q.log.Errorf("dataset", "quarantine: create %s: %v", path, err)
		return
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		q.log.Errorf("dataset", "quarantine: write %s: %v", path, err)
		return
	}
	q.counter.IncrementQuarantined()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("quarantine: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("quarantine: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("quarantine: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}
