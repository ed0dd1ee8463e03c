// Package roster turns an uploaded CSV file into an ordered list of
// recipients.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"certmailer/internal/models"
)

const (
	ColumnFullName = "Full Name"
	ColumnEmail    = "Email"
)

// ErrValidation marks a roster that cannot be used at all (bad CSV, missing
// columns). Individual rows with blank cells are not validation errors.
var ErrValidation = errors.New("invalid roster")

// Roster is the ordered list of rows of one upload, eligible or not.
type Roster struct {
	Records []models.Recipient
}

// New builds a roster from name/email pairs, indexing them in order.
func New(rows ...[2]string) Roster {
	r := Roster{Records: make([]models.Recipient, 0, len(rows))}
	for i, row := range rows {
		r.Records = append(r.Records, models.Recipient{Index: i, FullName: row[0], Email: row[1]})
	}
	return r
}

// Total is the declared roster size, including ineligible rows.
func (r Roster) Total() int {
	return len(r.Records)
}

// Eligible returns the rows with both name and email present, in roster order.
func (r Roster) Eligible() []models.Recipient {
	out := make([]models.Recipient, 0, len(r.Records))
	for _, rec := range r.Records {
		if rec.Eligible() {
			out = append(out, rec)
		}
	}
	return out
}

// First returns the first row, if any.
func (r Roster) First() (models.Recipient, bool) {
	if len(r.Records) == 0 {
		return models.Recipient{}, false
	}
	return r.Records[0], true
}

// Parse reads a CSV with a header row containing "Full Name" and "Email".
// Column matching ignores case and surrounding whitespace; extra columns are
// ignored. Cell values are trimmed.
func Parse(in io.Reader) (Roster, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Roster{}, fmt.Errorf("%w: empty file", ErrValidation)
		}
		return Roster{}, fmt.Errorf("%w: read header: %v", ErrValidation, err)
	}
	nameCol, emailCol := -1, -1
	for i, col := range header {
		switch normalize(col) {
		case normalize(ColumnFullName):
			nameCol = i
		case normalize(ColumnEmail):
			emailCol = i
		}
	}
	if nameCol < 0 || emailCol < 0 {
		return Roster{}, fmt.Errorf("%w: columns %q and %q are required", ErrValidation, ColumnFullName, ColumnEmail)
	}

	var r Roster
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Roster{}, fmt.Errorf("%w: line %d: %v", ErrValidation, line, err)
		}
		r.Records = append(r.Records, models.Recipient{
			Index:    len(r.Records),
			FullName: cell(rec, nameCol),
			Email:    cell(rec, emailCol),
		})
	}
	return r, nil
}

func cell(rec []string, idx int) string {
	if idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func normalize(col string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
}
