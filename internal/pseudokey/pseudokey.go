// Package pseudokey loads the operator-supplied mapping of original
// patient IDs to pre-chosen anonymized IDs, from either a CSV or an
// XLSX spreadsheet.
package pseudokey

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tealeg/xlsx"
)

var originalHeaders = map[string]bool{
	"original": true, "original id": true, "original patient id": true, "id": true,
}

var anonHeaders = map[string]bool{
	"anon": true, "anonymous": true, "anonymized": true,
	"anonymous id": true, "anonymized id": true,
	"anonymous patient id": true, "anonymized patient id": true,
}

// Load reads path and returns the original→anon mapping plus any
// non-fatal diagnostic messages. An empty path returns an empty
// mapping, not an error.
func Load(path string) (map[string]string, []string, error) {
	if path == "" {
		return map[string]string{}, nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return map[string]string{}, []string{fmt.Sprintf("pseudo-key file not found: %s", path)}, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err := readCSVRows(path)
		if err != nil {
			return nil, nil, err
		}
		return buildMapping(rows)
	case ".xlsx":
		rows, err := readXLSXRows(path)
		if err != nil {
			return nil, nil, err
		}
		return buildMapping(rows)
	default:
		ext := filepath.Ext(path)
		return map[string]string{}, []string{fmt.Sprintf("unsupported pseudo-key file extension %q: use .csv or .xlsx", ext)}, nil
	}
}

func readCSVRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pseudokey: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pseudokey: read row: %w", err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("pseudokey: CSV file is empty")
	}
	return rows, nil
}

// readXLSXRows reads the first sheet of an XLSX workbook into the
// same [][]string shape the CSV reader produces, so both formats
// share one header-detection and row-validation path.
func readXLSXRows(path string) ([][]string, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("pseudokey: open %s: %w", path, err)
	}
	if len(wb.Sheets) == 0 {
		return nil, fmt.Errorf("pseudokey: workbook has no sheets")
	}
	sheet := wb.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("pseudokey: XLSX sheet is empty")
	}
	return rows, nil
}

func buildMapping(rows [][]string) (map[string]string, []string, error) {
	header := rows[0]
	origIdx, anonIdx, ok := detectHeaderIndices(header)
	if !ok {
		return nil, nil, fmt.Errorf("pseudokey: could not detect original/anonymized columns in header %v", header)
	}

	mapping := map[string]string{}
	seenOrig := map[string]bool{}
	seenAnon := map[string]bool{}
	var messages []string

	for _, row := range rows[1:] {
		if len(row) <= origIdx || len(row) <= anonIdx {
			messages = append(messages, "pseudokey: skipped short row")
			continue
		}
		orig := strings.TrimSpace(row[origIdx])
		anon := strings.TrimSpace(row[anonIdx])
		if orig == "" || anon == "" {
			continue
		}
		if seenOrig[orig] {
			return nil, nil, fmt.Errorf("pseudokey: duplicate original id %q", orig)
		}
		if seenAnon[anon] {
			return nil, nil, fmt.Errorf("pseudokey: duplicate anonymized id %q", anon)
		}
		seenOrig[orig] = true
		seenAnon[anon] = true
		mapping[orig] = anon
	}
	return mapping, messages, nil
}

func detectHeaderIndices(header []string) (origIdx, anonIdx int, ok bool) {
	origIdx, anonIdx = -1, -1
	for i, cell := range header {
		key := strings.ToLower(strings.TrimSpace(cell))
		if origIdx == -1 && originalHeaders[key] {
			origIdx = i
		}
		if anonIdx == -1 && anonHeaders[key] {
			anonIdx = i
		}
	}
	return origIdx, anonIdx, origIdx != -1 && anonIdx != -1
}
