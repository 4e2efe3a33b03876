// Package pixelphi defines the seam through which pixel-burned PHI
// redaction is plugged into the pipeline. The OCR-based redactor
// itself lives outside this module; this package only defines the
// interface and a no-op default.
package pixelphi

import "dicom-anonymizer/internal/logger"

// Redactor removes PHI burned into the pixel data of the DICOM file at
// path.
type Redactor interface {
	Redact(path string) error
}

// NullRedactor performs no redaction. It is the default Redactor so
// that enabling pixel-PHI removal without wiring a real implementation
// fails loudly in logs rather than silently.
type NullRedactor struct {
	Log *logger.Logger
}

// Redact logs that redaction was requested but not configured.
func (n NullRedactor) Redact(path string) error {
	if n.Log != nil {
		n.Log.Warnf("redact", "pixel-PHI redaction requested for %s but no redactor is configured", path)
	}
	return nil
}
