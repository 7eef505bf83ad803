package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrNoRecipients = errors.New("csv must contain at least one recipient")

// ParseRecipients reads recipient addresses from the "Email" column
// (case-insensitive) of a CSV with a header row. Other columns are ignored.
// Rows without an address are skipped. More than maxRows addresses is an
// error; a non-positive maxRows means 1000.
func ParseRecipients(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, err
	}

	emailIdx := -1
	for i, h := range headers {
		h = strings.TrimPrefix(h, "\ufeff")
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	emails := make([]string, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if emailIdx >= len(record) {
			// short row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		if len(emails) == maxRows {
			return nil, fmt.Errorf("csv has more than %d recipients", maxRows)
		}
		emails = append(emails, email)
	}

	if len(emails) == 0 {
		return nil, ErrNoRecipients
	}
	return emails, nil
}
