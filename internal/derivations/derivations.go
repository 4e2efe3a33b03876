// Package derivations implements the deterministic, patient-stable
// value transforms used by the transform engine: date hashing and
// modification, time hashing, anonymous identifier formatting, and
// age rounding.
package derivations

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAnonDate = "20000101"
	DefaultAnonTime = "000000"

	dateLayout = "20060102"

	dateHashModulus = 3652
)

var minValidDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ValidDate reports whether date is a calendar date in YYYYMMDD form
// on or after 1900-01-01.
func ValidDate(date string) bool {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	return !t.Before(minValidDate)
}

// HashDate derives a patient-stable day offset from patientID and
// applies it to date, returning the offset and the shifted date.
func HashDate(date, patientID string) (int, string) {
	if patientID == "" || !ValidDate(date) {
		return 0, DefaultAnonDate
	}
	sum := md5.Sum([]byte(patientID))
	hashInt := new(big.Int).SetBytes(sum[:])
	delta := new(big.Int).Mod(hashInt, big.NewInt(dateHashModulus)).Int64()
	t, _ := time.Parse(dateLayout, date)
	shifted := t.AddDate(0, 0, int(delta))
	return int(delta), shifted.Format(dateLayout)
}

var modifyDateWrapper = regexp.MustCompile(`^@modifydate\((.*)\)$`)

// ModifyDate applies an explicit year/month/day override described by
// spec (an optional "@modifydate(...)" wrapper around a 3- or
// 4-part comma list) to date.
func ModifyDate(date, spec string) (int, string) {
	if !ValidDate(date) {
		return 0, DefaultAnonDate
	}
	inner := spec
	if m := modifyDateWrapper.FindStringSubmatch(spec); m != nil {
		inner = m[1]
	}
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 3 {
		parts = append([]string{"this"}, parts...)
	}
	if len(parts) != 4 {
		return 0, DefaultAnonDate
	}
	mode := strings.ToLower(parts[0])
	if mode != "this" && mode != "*" {
		return 0, DefaultAnonDate
	}

	original, _ := time.Parse(dateLayout, date)
	year, month, day := original.Year(), int(original.Month()), original.Day()

	if parts[1] != "*" {
		y, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, DefaultAnonDate
		}
		year = y
	}
	if parts[2] != "*" {
		m, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, DefaultAnonDate
		}
		month = m
	}
	if parts[3] != "*" {
		d, err := strconv.Atoi(parts[3])
		if err != nil {
			return 0, DefaultAnonDate
		}
		day = d
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, DefaultAnonDate
	}

	modified := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if modified.Day() != day || int(modified.Month()) != month {
		// time.Date silently normalizes invalid dates (e.g. Feb 30); reject.
		return 0, DefaultAnonDate
	}

	delta := int(math.Round(modified.Sub(original).Hours() / 24))
	return delta, modified.Format(dateLayout)
}

// timePattern mirrors the DICOM TM regex: HH(MM(SS(.F{1,6})?)?)?
var timePattern = regexp.MustCompile(`^([0-2][0-9])([0-5][0-9])?([0-5][0-9]|60)?(\.[0-9]{1,6})?$`)

// ValidTime reports whether t is a well-formed DICOM TM value.
func ValidTime(t string) bool {
	t = strings.TrimRight(t, " ")
	m := timePattern.FindStringSubmatch(t)
	if m == nil {
		return false
	}
	hour, _ := strconv.Atoi(m[1])
	if hour > 23 {
		return false
	}
	minute, second, frac := m[2], m[3], m[4]
	if minute == "" && (second != "" || frac != "") {
		return false
	}
	if second == "" && frac != "" {
		return false
	}
	return true
}

// HashTime derives a patient-stable, order-preserving time shift:
// offset = MD5(patientID) mod 86400s, summed with the input and
// halved, so that any two inputs differing by at least 2 units at the
// input's precision keep their relative order.
func HashTime(timeStr, patientID string) (float64, string) {
	if patientID == "" || !ValidTime(timeStr) {
		return 0, DefaultAnonTime
	}
	trimmed := strings.TrimRight(timeStr, " ")
	m := timePattern.FindStringSubmatch(trimmed)

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	second := 0
	if m[3] != "" {
		second, _ = strconv.Atoi(m[3])
	}
	if second == 60 {
		second = 59
	}
	fracDigits := ""
	if m[4] != "" {
		fracDigits = m[4][1:]
	}
	fracFull := fracDigits + strings.Repeat("0", 6-len(fracDigits))
	fracMicros, _ := strconv.Atoi(fracFull)
	frac := float64(fracMicros) / 1_000_000

	totalSeconds := float64(hour*3600+minute*60+second) + frac

	sum := md5.Sum([]byte(patientID))
	hashInt := binary.BigEndian.Uint64(sum[:8])
	offsetMicros := hashInt % uint64(86400*1_000_000)
	offset := float64(offsetMicros) / 1_000_000

	summed := totalSeconds + offset
	anonSeconds := summed / 2.0

	whole := int(anonSeconds)
	h := whole / 3600
	rem := whole % 3600
	mi := rem / 60
	s := rem % 60
	fracPart := anonSeconds - float64(whole)

	result := fmt.Sprintf("%02d%02d%02d", h, mi, s)
	if len(fracDigits) > 0 {
		fracMicro := int(math.RoundToEven(fracPart * 1_000_000))
		fracStr := fmt.Sprintf("%06d", fracMicro)[:len(fracDigits)]
		result += "." + fracStr
	}
	return offset, result
}

// FormatAnonUID renders an allocated UID counter value as
// {uidRoot}.{site}.{n}.
func FormatAnonUID(uidRoot, site string, n int64) string {
	return fmt.Sprintf("%s.%s.%d", uidRoot, site, n)
}

// FormatAnonPatientID renders an allocated patient counter value as
// {site}-{n:06d}.
func FormatAnonPatientID(site string, n int64) string {
	return fmt.Sprintf("%s-%06d", site, n)
}

// FormatAnonAccession renders an allocated accession counter value as
// a decimal string.
func FormatAnonAccession(n int64) string {
	return strconv.FormatInt(n, 10)
}

var digitsOnly = regexp.MustCompile(`\d+`)
var alphaSuffix = regexp.MustCompile(`[A-Za-z]+$`)
var firstDigitPattern = regexp.MustCompile(`\d`)

// ExtractFirstDigit returns the first decimal digit found in s.
func ExtractFirstDigit(s string) (int, bool) {
	m := firstDigitPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	d, _ := strconv.Atoi(m)
	return d, true
}

// RoundAge rounds an AS-style age string (e.g. "034Y") to the nearest
// multiple of width, re-attaching any trailing alphabetic suffix and
// left-padding with "0" to keep the result even-length (DICOM AS is
// fixed-width). On parse failure it returns the input unchanged.
func RoundAge(ageString string, width int) string {
	trimmed := strings.TrimSpace(ageString)
	if trimmed == "" {
		return ""
	}
	digits := digitsOnly.FindString(trimmed)
	if digits == "" || width == 0 {
		return ageString
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return ageString
	}
	suffix := alphaSuffix.FindString(trimmed)
	ageFloat := float64(n) / float64(width)
	rounded := int(math.RoundToEven(ageFloat)) * width
	result := strconv.Itoa(rounded) + suffix
	if len(result)%2 != 0 {
		result = "0" + result
	}
	return result
}
