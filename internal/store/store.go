// Package store computes the output tree's path layout:
// {patient}/{study}/{series}/{sop}.dcm, rooted either at the images
// directory or at a quarantine subtree.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DatasetFileSuffix is the extension written Part 10 files carry.
const DatasetFileSuffix = ".dcm"

// Identifiers is the anonymized hierarchy key used to compute a
// dataset's path.
type Identifiers struct {
	AnonPatientID string
	AnonStudyUID  string
	AnonSeriesUID string
	AnonSOPUID    string
}

// DatasetPath computes {baseDir}/{patient}/{study}/{series}/{sop}.dcm
// and ensures its parent directories exist.
func DatasetPath(baseDir string, ids Identifiers) (string, error) {
	if ids.AnonPatientID == "" || ids.AnonStudyUID == "" || ids.AnonSeriesUID == "" || ids.AnonSOPUID == "" {
		return "", fmt.Errorf("store: incomplete identifiers: %+v", ids)
	}
	dir := filepath.Join(baseDir, ids.AnonPatientID, ids.AnonStudyUID, ids.AnonSeriesUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	return filepath.Join(dir, ids.AnonSOPUID+DatasetFileSuffix), nil
}

// CountDatasets walks baseDir and counts files with the DICOM file
// suffix, used by the management API's storage summary.
func CountDatasets(baseDir string) (int, error) {
	count := 0
	err := filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, DatasetFileSuffix) {
			count++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("store: walk %s: %w", baseDir, err)
	}
	return count, nil
}
