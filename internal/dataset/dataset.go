// Package dataset loads labeled text from CSV, tokenizes it to fixed-length
// model inputs, splits it into train/eval subsets and batches it into tensors.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Label indices. probabilities[0] is unsafe, probabilities[1] is safe.
const (
	LabelUnsafe = 0
	LabelSafe   = 1
)

// Labels are the class names in index order.
var Labels = []string{"unsafe", "safe"}

var (
	// ErrEmptyDataset is returned for a CSV without data rows.
	ErrEmptyDataset = errors.New("dataset: no rows")
	// ErrMissingColumn is returned when the header lacks a configured column.
	ErrMissingColumn = errors.New("dataset: missing column")
	// ErrInvalidLabel is returned for a label cell that is not a binary class.
	ErrInvalidLabel = errors.New("dataset: invalid label")
	// ErrEmptyText is returned for a row with a blank text cell.
	ErrEmptyText = errors.New("dataset: empty text")
)

// Example is one labeled text.
type Example struct {
	Text  string
	Label int
}

// Columns names the CSV columns to read.
type Columns struct {
	Text  string
	Label string
}

// DefaultColumns returns the text/label column names.
func DefaultColumns() Columns {
	return Columns{Text: "text", Label: "label"}
}

// LoadCSV reads examples from a CSV file with a header row.
func LoadCSV(path string, cols Columns) ([]Example, error) {
	//nolint:gosec // Dataset path is user-provided.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	examples, err := ReadCSV(file, cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}

// ReadCSV reads examples from r. Row numbers in errors count the header as row 1.
func ReadCSV(r io.Reader, cols Columns) ([]Example, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	textIdx, labelIdx := -1, -1
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		switch name {
		case cols.Text:
			textIdx = i
		case cols.Label:
			labelIdx = i
		}
	}
	if textIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, cols.Text)
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, cols.Label)
	}

	var examples []Example
	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if len(record) <= max(textIdx, labelIdx) {
			return nil, fmt.Errorf("row %d: got %d fields, want at least %d", row, len(record), max(textIdx, labelIdx)+1)
		}
		text := record[textIdx]
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("row %d: %w", row, ErrEmptyText)
		}
		label, err := ParseLabel(record[labelIdx])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		examples = append(examples, Example{Text: text, Label: label})
	}
	if len(examples) == 0 {
		return nil, ErrEmptyDataset
	}
	return examples, nil
}

// ParseLabel maps a label cell to a class index. Accepted values are 0/1,
// unsafe/safe and false/true, case-insensitive.
func ParseLabel(cell string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "0", "unsafe", "false":
		return LabelUnsafe, nil
	case "1", "safe", "true":
		return LabelSafe, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, cell)
	}
}
