package policy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/polisai/polis-authz/pkg/domain"
)

// ErrInvalidPolicy is returned when policy rows do not fit the model.
var ErrInvalidPolicy = errors.New("invalid policy")

// ParseCSV reads policy rows in the familiar "p, alice, data1, read" form.
// Lines starting with '#' and blank lines are skipped; fields are trimmed.
func ParseCSV(text string) (domain.Policy, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var rows domain.Policy
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}

		row := make([]string, len(record))
		for i, field := range record {
			row[i] = strings.TrimSpace(field)
		}
		if len(row) == 1 && row[0] == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
