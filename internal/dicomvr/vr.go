// Package dicomvr resolves DICOM Value Representations for tags and
// converts between VR-appropriate empty values and parameter strings.
package dicomvr

import (
	"strconv"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Family groups VR codes by the Go representation the transform engine
// uses for their values.
type Family int

const (
	FamilyText Family = iota
	FamilyInt
	FamilyFloat
	FamilyBinary
	FamilySequence
)

var intVRs = map[string]bool{"IS": true, "SL": true, "SS": true, "SV": true, "UL": true, "US": true, "UV": true, "AT": true}
var floatVRs = map[string]bool{"DS": true, "FL": true, "FD": true}
var binaryVRs = map[string]bool{"OB": true, "OD": true, "OF": true, "OL": true, "OV": true, "OW": true, "UN": true}

func familyOf(vr string) Family {
	switch {
	case vr == "SQ":
		return FamilySequence
	case intVRs[vr]:
		return FamilyInt
	case floatVRs[vr]:
		return FamilyFloat
	case binaryVRs[vr]:
		return FamilyBinary
	default:
		return FamilyText
	}
}

// IsPrivate reports whether t belongs to an odd (private) group.
func IsPrivate(t tag.Tag) bool {
	return t.Group%2 == 1
}

// VROf resolves the Value Representation for t. Private tags always
// resolve to LO, since no static dictionary entry can describe them.
func VROf(t tag.Tag) string {
	if IsPrivate(t) {
		return "LO"
	}
	info, err := tag.Find(t)
	if err != nil {
		return "LO"
	}
	return info.VR
}

// EmptyFor returns the VR-appropriate empty value: "" for text VRs,
// nil for numeric VRs, an empty byte slice for binary VRs, and an
// empty slice for SQ.
func EmptyFor(vr string) interface{} {
	switch familyOf(vr) {
	case FamilyInt, FamilyFloat:
		return nil
	case FamilyBinary:
		return []byte{}
	case FamilySequence:
		return []interface{}{}
	default:
		return ""
	}
}

// VREmptyValue resolves both the VR and its empty value for t in one
// call, mirroring get_vr_and_empty_value.
func VREmptyValue(t tag.Tag) (string, interface{}) {
	vr := VROf(t)
	return vr, EmptyFor(vr)
}

// Convert coerces a string parameter value to vr's expected type. On
// any parse failure it falls back to the VR's empty value.
func Convert(value string, vr string) interface{} {
	switch familyOf(vr) {
	case FamilyInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return EmptyFor(vr)
		}
		return n
	case FamilyFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return EmptyFor(vr)
		}
		return f
	case FamilyBinary:
		return []byte(value)
	case FamilySequence:
		return []interface{}{value}
	default:
		return value
	}
}
