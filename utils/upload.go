package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrUnsupportedUpload is returned for files that are neither .csv nor .txt.
var ErrUnsupportedUpload = errors.New("unsupported file type, use .csv or .txt")

// ParseEmailList reads addresses from an uploaded file. CSV files contribute
// their first column, text files one address per line. Blank entries are
// dropped and duplicates removed keeping first occurrence.
func ParseEmailList(filename string, r io.Reader) ([]string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return parseCSV(r)
	case ".txt":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return DedupeEmails(strings.Split(string(data), "\n")), nil
	default:
		return nil, ErrUnsupportedUpload
	}
}

func parseCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var emails []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid csv: %w", err)
		}
		if len(record) > 0 {
			emails = append(emails, record[0])
		}
	}
	return DedupeEmails(emails), nil
}

// DedupeEmails trims entries, drops blanks and removes duplicates while
// keeping order.
func DedupeEmails(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, email := range in {
		email = strings.TrimSpace(strings.TrimPrefix(email, "\ufeff"))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}
