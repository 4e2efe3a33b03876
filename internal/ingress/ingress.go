// Package ingress admits source DICOM files into the pipeline: it
// reads and validates each file before handing it to the transform
// engine, routing unreadable or unsupported files to quarantine.
package ingress

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom-anonymizer/internal/model"
	"dicom-anonymizer/internal/quarantine"
	"dicom-anonymizer/internal/transform"
)

// ErrAlreadyStored is returned by Admit when the dataset's SOP
// instance has already been anonymized in a prior run.
var ErrAlreadyStored = errors.New("ingress: instance already stored")

// StorageClassChecker reports whether a SOP Class UID is admitted. An
// implementation backed by an empty set should admit every class.
// *management.StorageClassRegistry satisfies this interface, letting
// the management API's runtime add/remove calls take effect on the
// next admitted file without restarting ingress.
type StorageClassChecker interface {
	Has(sopClassUID string) bool
}

// Ingress validates and admits source files ahead of anonymization.
type Ingress struct {
	Model          *model.Model
	Quarantine     *quarantine.Quarantine
	Engine         *transform.Engine
	StorageClasses StorageClassChecker
}

// Admit reads and validates the file at path without anonymizing it.
// It quarantines the source file on any validation failure.
func (i *Ingress) Admit(path string) (source string, ds dicom.Dataset, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", dicom.Dataset{}, fmt.Errorf("ingress: stat %s: %w", path, statErr)
	}
	if info.IsDir() {
		return "", dicom.Dataset{}, fmt.Errorf("ingress: %s is a directory", path)
	}

	ds, err = dicom.ParseFile(path, nil)
	if err != nil {
		kind := quarantine.DicomReadError
		if strings.Contains(strings.ToLower(err.Error()), "dicm") {
			kind = quarantine.InvalidDicom
		}
		_ = i.Quarantine.File(kind, path)
		return "", dicom.Dataset{}, fmt.Errorf("ingress: read %s: %w", path, err)
	}

	if missing := transform.MissingAttributes(ds); len(missing) > 0 {
		_ = i.Quarantine.File(quarantine.MissingAttributes, path)
		return "", dicom.Dataset{}, fmt.Errorf("ingress: %s missing required attributes: %v", path, missing)
	}

	sopUID := findString(ds, tag.SOPInstanceUID)
	if _, ok := i.Model.GetAnonUID(sopUID); ok {
		return "", dicom.Dataset{}, ErrAlreadyStored
	}

	sopClassUID := findString(ds, tag.SOPClassUID)
	if i.StorageClasses != nil && !i.StorageClasses.Has(sopClassUID) {
		_ = i.Quarantine.File(quarantine.InvalidStorageClass, path)
		return "", dicom.Dataset{}, fmt.Errorf("ingress: %s has unsupported storage class %s", path, sopClassUID)
	}

	return path, ds, nil
}

// AnonymizeFile combines Admit and Engine.Anonymize for single-file
// callers that don't need pipeline queueing.
func (i *Ingress) AnonymizeFile(path string) (pixelPath string, err error) {
	source, ds, err := i.Admit(path)
	if err != nil {
		return "", err
	}
	return i.Engine.Anonymize(source, ds), nil
}

func findString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	return strings.Trim(elem.Value.String(), " []")
}
