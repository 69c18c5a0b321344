package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// DefaultMaxRows caps how many recipients one import may enqueue.
const DefaultMaxRows = 1000

// ParseRecipients reads recipient addresses from a CSV. The CSV must
// contain a header row with an "Email" column (case-insensitive); other
// columns are ignored. Blank and malformed rows are skipped.
func ParseRecipients(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	// Rows with the wrong column count are skipped, not fatal.
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}

	emailIdx := -1
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	emails := make([]string, 0)
	for len(emails) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" || !strings.Contains(email, "@") {
			continue
		}

		emails = append(emails, email)
	}

	if len(emails) == 0 {
		return nil, errors.New("csv must contain at least one recipient")
	}

	return emails, nil
}
