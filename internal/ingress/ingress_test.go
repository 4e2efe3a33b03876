package ingress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom-anonymizer/internal/logger"
	"dicom-anonymizer/internal/model"
	"dicom-anonymizer/internal/quarantine"
	"dicom-anonymizer/internal/script"
	"dicom-anonymizer/internal/transform"
)

func newTestIngress(t *testing.T) *Ingress {
	t.Helper()
	compiled, err := script.Parse([]byte(`<script>
  <e t="00100020" n="PatientID">@keep</e>
  <e t="0020000D" n="StudyInstanceUID">@hashuid</e>
  <e t="0020000E" n="SeriesInstanceUID">@hashuid</e>
  <e t="00080018" n="SOPInstanceUID">@hashuid</e>
  <e t="00080016" n="SOPClassUID">@keep</e>
</script>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m := model.New("SITE", "1.2.840.99999", "SITE-000000", compiled)
	dir := t.TempDir()
	log := logger.New("INGRESS", "error")
	q := quarantine.New(dir, m, log)
	engine := &transform.Engine{
		Model:       m,
		Quarantine:  q,
		Log:         log,
		ImagesDir:   filepath.Join(dir, "images"),
		SiteID:      "SITE",
		ProjectName: "Project",
	}
	return &Ingress{Model: m, Quarantine: q, Engine: engine}
}

func writeDicomFile(t *testing.T, path string) {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustElem(t, tag.PatientID, "PHI-1"),
		mustElem(t, tag.StudyInstanceUID, "1.2.3"),
		mustElem(t, tag.SeriesInstanceUID, "1.2.3.4"),
		mustElem(t, tag.SOPInstanceUID, "1.2.3.4.5"),
		mustElem(t, tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.7"),
	}}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustElem(t *testing.T, tg tag.Tag, value string) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, []string{value})
	if err != nil {
		t.Fatalf("NewElement: %v", err)
	}
	return e
}

func TestAdmitRejectsDirectory(t *testing.T) {
	i := newTestIngress(t)
	dir := t.TempDir()
	if _, _, err := i.Admit(dir); err == nil {
		t.Fatalf("expected error admitting a directory")
	}
}

func TestAdmitRejectsMissingFile(t *testing.T) {
	i := newTestIngress(t)
	if _, _, err := i.Admit(filepath.Join(t.TempDir(), "missing.dcm")); err == nil {
		t.Fatalf("expected error admitting a nonexistent path")
	}
}

type staticStorageClasses map[string]bool

func (s staticStorageClasses) Has(uid string) bool { return s[uid] }

func TestAdmitRejectsUnsupportedStorageClass(t *testing.T) {
	i := newTestIngress(t)
	i.StorageClasses = staticStorageClasses{"1.2.840.10008.5.1.4.1.1.2": true}
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dcm")
	writeDicomFile(t, path)
	if _, _, err := i.Admit(path); err == nil {
		t.Fatalf("expected error for unsupported storage class")
	}
}

func TestAnonymizeFileRoundTrip(t *testing.T) {
	i := newTestIngress(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dcm")
	writeDicomFile(t, path)
	if _, err := i.AnonymizeFile(path); err != nil {
		t.Fatalf("AnonymizeFile: %v", err)
	}
	if _, ok := i.Model.GetAnonUID("1.2.3.4.5"); !ok {
		t.Fatalf("expected SOP UID to be minted")
	}
}
