package csvparser

import (
	"os"
)

// ParseFile reads the recipients of a CSV file on disk.
func ParseFile(path string, maxRows int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseRecipients(f, maxRows)
}
