// Package transform walks a DICOM dataset and applies the compiled
// script: it strips private tags, injects always-present elements,
// dispatches each kept element's operation, mints anonymous
// identifiers through the model, stamps de-identification metadata,
// and writes the result into the output store.
package transform

import (
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom-anonymizer/internal/derivations"
	"dicom-anonymizer/internal/dicomvr"
	"dicom-anonymizer/internal/logger"
	"dicom-anonymizer/internal/model"
	"dicom-anonymizer/internal/quarantine"
	"dicom-anonymizer/internal/script"
	"dicom-anonymizer/internal/store"
)

// DeidentificationMethod is stamped verbatim into every output.
const DeidentificationMethod = "RSNA DICOM ANONYMIZER"

// PrivateBlockCreator is the private-block creator name the
// site/project identifiers are stored under.
const PrivateBlockCreator = "RSNA"

// PrivateCreatorName names the creator element synthesized for
// always-present private tags that have no natural creator.
const PrivateCreatorName = "Empty Element Creator for Anonymization"

var deidentificationMethodCodes = []struct{ Code, Description string }{
	{"113100", "Basic Application Confidentiality Profile"},
	{"113107", "Retain Longitudinal Temporal Information Modified Dates Option"},
	{"113108", "Retain Patient Characteristics Option"},
}

var requiredAttributes = []tag.Tag{
	tag.SOPClassUID, tag.SOPInstanceUID, tag.StudyInstanceUID, tag.SeriesInstanceUID,
}

// MissingAttributes reports which required identifying attributes are
// absent or empty in ds.
func MissingAttributes(ds dicom.Dataset) []tag.Tag {
	var missing []tag.Tag
	for _, t := range requiredAttributes {
		if findString(ds, t) == "" {
			missing = append(missing, t)
		}
	}
	return missing
}

// Engine applies the compiled script to datasets, minting anonymous
// identifiers via Model and routing failures to Quarantine.
type Engine struct {
	Model          *model.Model
	Quarantine     *quarantine.Quarantine
	Log            *logger.Logger
	ImagesDir      string
	SiteID         string
	ProjectName    string
	RemovePixelPHI bool
}

// Anonymize runs the full per-dataset transform on its own copy of
// ds's element list and writes the result to the output store; the
// caller's ds is not modified, so the anonymized dataset exists only
// in the written file. It never returns an error: every failure is routed to quarantine and
// reflected only in the quarantine counter and logs. The returned
// pixelPath is non-empty when the written file should be queued for
// pixel-PHI redaction.
func (e *Engine) Anonymize(source string, ds dicom.Dataset) (pixelPath string) {
	patientID := findString(ds, tag.PatientID)
	patientName := findString(ds, tag.PatientName)
	studyUID := findString(ds, tag.StudyInstanceUID)
	seriesUID := findString(ds, tag.SeriesInstanceUID)
	sopUID := findString(ds, tag.SOPInstanceUID)
	accession := findString(ds, tag.AccessionNumber)
	studyDate := findString(ds, tag.StudyDate)

	dateDelta := 0
	if studyDate != "" && patientID != "" {
		dateDelta, _ = derivations.HashDate(studyDate, patientID)
	}

	anonPID, err := e.Model.CapturePHI(model.PHIInput{
		Source: source, PatientID: patientID, PatientName: patientName,
		StudyUID: studyUID, StudyDate: studyDate, SeriesUID: seriesUID,
		SOPUID: sopUID, Accession: accession, DateDeltaDays: dateDelta,
	})
	if err != nil {
		kind := quarantine.CapturePHIError
		if err == model.ErrInvalidDicom {
			kind = quarantine.InvalidDicom
		}
		e.Quarantine.Dataset(kind, ds, phiIdentifiers(ds))
		return ""
	}
	phiSOP := sopUID

	ds = stripPrivateTags(ds)
	ds = addAlwaysTags(ds, e.Model.TagAlways)
	ds.Elements = e.transformElements(ds.Elements, patientID)

	setString(&ds, tag.PatientID, anonPID)
	setString(&ds, tag.PatientName, anonPID)
	setString(&ds, tag.PatientIdentityRemoved, "YES")
	setString(&ds, tag.DeidentificationMethod, DeidentificationMethod)
	ds.Elements = append(ds.Elements, buildDeidentificationCodeSequence())
	ds.Elements = append(ds.Elements, buildPrivateRSNABlock(e.SiteID, e.ProjectName)...)

	ids := store.Identifiers{
		AnonPatientID: anonPID,
		AnonStudyUID:  findString(ds, tag.StudyInstanceUID),
		AnonSeriesUID: findString(ds, tag.SeriesInstanceUID),
		AnonSOPUID:    findString(ds, tag.SOPInstanceUID),
	}

	path, err := store.DatasetPath(e.ImagesDir, ids)
	if err != nil {
		e.Model.RemoveUID(phiSOP)
		e.Quarantine.Dataset(quarantine.StorageError, ds, phiIdentifiers(ds))
		return ""
	}
	if err := writeDataset(path, ds); err != nil {
		e.Model.RemoveUID(phiSOP)
		e.Quarantine.Dataset(quarantine.StorageError, ds, phiIdentifiers(ds))
		return ""
	}

	if e.RemovePixelPHI {
		if _, err := ds.FindElementByTag(tag.PixelData); err == nil {
			return path
		}
	}
	return ""
}

func (e *Engine) transformElements(elements []*dicom.Element, patientID string) []*dicom.Element {
	kept := make([]*dicom.Element, 0, len(elements))
	for _, elem := range elements {
		t := elem.Tag
		op, present := e.Model.TagKeep[t]
		if !present {
			continue
		}
		compiled := script.CompileOperation(op)
		if compiled.Kind == script.OpKeep {
			if isSequence(elem) {
				elem = e.recurseSequence(elem, patientID)
			}
			kept = append(kept, elem)
			continue
		}
		kept = append(kept, e.applyOperation(t, elem, compiled, patientID))
	}
	return kept
}

func (e *Engine) recurseSequence(elem *dicom.Element, patientID string) *dicom.Element {
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return elem
	}
	newItems := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		children, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		newItems = append(newItems, e.transformElements(children, patientID))
	}
	rebuilt, err := dicom.NewElement(elem.Tag, newItems)
	if err != nil {
		return elem
	}
	return rebuilt
}

func (e *Engine) applyOperation(t tag.Tag, elem *dicom.Element, op script.Op, patientID string) *dicom.Element {
	v := elementString(elem)
	vr := dicomvr.VROf(t)

	switch op.Kind {
	case script.OpEmpty:
		return mustNewElement(t, dicomvr.EmptyFor(vr))
	case script.OpUID:
		return mustNewElement(t, e.Model.GetNextAnonUID(v))
	case script.OpAccession:
		return mustNewElement(t, e.Model.GetNextAnonAccNo(v))
	case script.OpHashDate:
		_, anonDate := derivations.HashDate(v, patientID)
		return mustNewElement(t, anonDate)
	case script.OpModifyDate:
		_, anonDate := derivations.ModifyDate(v, op.RawSpec)
		return mustNewElement(t, anonDate)
	case script.OpHashTime:
		_, anonTime := derivations.HashTime(v, patientID)
		return mustNewElement(t, anonTime)
	case script.OpRound:
		return mustNewElement(t, derivations.RoundAge(v, op.RoundWidth))
	case script.OpParam:
		raw, ok := e.Model.ScriptParams[op.ParamKey]
		if !ok {
			return mustNewElement(t, dicomvr.EmptyFor(vr))
		}
		return mustNewElement(t, dicomvr.Convert(raw, vr))
	default:
		return elem
	}
}

func stripPrivateTags(ds dicom.Dataset) dicom.Dataset {
	kept := make([]*dicom.Element, 0, len(ds.Elements))
	for _, elem := range ds.Elements {
		if dicomvr.IsPrivate(elem.Tag) {
			continue
		}
		kept = append(kept, elem)
	}
	ds.Elements = kept
	return ds
}

func addAlwaysTags(ds dicom.Dataset, always map[tag.Tag]bool) dicom.Dataset {
	present := map[tag.Tag]bool{}
	for _, elem := range ds.Elements {
		present[elem.Tag] = true
	}
	for t := range always {
		if present[t] {
			continue
		}
		if dicomvr.IsPrivate(t) {
			creatorTag := tag.Tag{Group: t.Group, Element: 0x0010}
			if !present[creatorTag] {
				ds.Elements = append(ds.Elements, mustNewElement(creatorTag, PrivateCreatorName))
				present[creatorTag] = true
			}
			ds.Elements = append(ds.Elements, mustNewElement(t, ""))
		} else {
			_, empty := dicomvr.VREmptyValue(t)
			ds.Elements = append(ds.Elements, mustNewElement(t, empty))
		}
		present[t] = true
	}
	return ds
}

func buildDeidentificationCodeSequence() *dicom.Element {
	items := make([][]*dicom.Element, 0, len(deidentificationMethodCodes))
	for _, c := range deidentificationMethodCodes {
		items = append(items, []*dicom.Element{
			mustNewElement(tag.CodeValue, c.Code),
			mustNewElement(tag.CodingSchemeDesignator, "DCM"),
			mustNewElement(tag.CodeMeaning, c.Description),
		})
	}
	elem, err := dicom.NewElement(tag.DeidentificationMethodCodeSequence, items)
	if err != nil {
		return mustNewElement(tag.DeidentificationMethodCodeSequence, "")
	}
	return elem
}

func buildPrivateRSNABlock(siteID, projectName string) []*dicom.Element {
	creatorTag := tag.Tag{Group: 0x0013, Element: 0x0010}
	siteTag := tag.Tag{Group: 0x0013, Element: 0x1001}
	projectTag := tag.Tag{Group: 0x0013, Element: 0x1003}
	return []*dicom.Element{
		mustNewElement(creatorTag, PrivateBlockCreator),
		mustNewElement(siteTag, siteID),
		mustNewElement(projectTag, projectName),
	}
}

func isSequence(elem *dicom.Element) bool {
	return dicomvr.VROf(elem.Tag) == "SQ"
}

func findString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	return elementString(elem)
}

func elementString(elem *dicom.Element) string {
	return strings.Trim(elem.Value.String(), " []")
}

func setString(ds *dicom.Dataset, t tag.Tag, value string) {
	for i, elem := range ds.Elements {
		if elem.Tag == t {
			ds.Elements[i] = mustNewElement(t, value)
			return
		}
	}
	ds.Elements = append(ds.Elements, mustNewElement(t, value))
}

func phiIdentifiers(ds dicom.Dataset) store.Identifiers {
	return store.Identifiers{
		AnonPatientID: orDefault(findString(ds, tag.PatientID), "UNKNOWN"),
		AnonStudyUID:  orDefault(findString(ds, tag.StudyInstanceUID), "UNKNOWN"),
		AnonSeriesUID: orDefault(findString(ds, tag.SeriesInstanceUID), "UNKNOWN"),
		AnonSOPUID:    orDefault(findString(ds, tag.SOPInstanceUID), "UNKNOWN"),
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func writeDataset(path string, ds dicom.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dicom.Write(f, ds)
}

// newElement builds a *dicom.Element from a Go-typed value, matching
// the shapes dicom.NewElement expects for common VR families.
func newElement(t tag.Tag, value interface{}) (*dicom.Element, error) {
	switch v := value.(type) {
	case string:
		return dicom.NewElement(t, []string{v})
	case []string:
		return dicom.NewElement(t, v)
	case int:
		return dicom.NewElement(t, []int{v})
	case []int:
		return dicom.NewElement(t, v)
	case float64:
		return dicom.NewElement(t, []float64{v})
	case []byte:
		return dicom.NewElement(t, v)
	case [][]*dicom.Element:
		return dicom.NewElement(t, v)
	case nil:
		return dicom.NewElement(t, []string{""})
	default:
		return dicom.NewElement(t, []string{""})
	}
}

// mustNewElement wraps newElement, falling back to an empty LO-style
// element rather than panicking if value construction fails.
func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	e, err := newElement(t, value)
	if err != nil {
		e, _ = dicom.NewElement(t, []string{""})
	}
	return e
}
