package importer

import (
	"encoding/csv"
	"strings"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
)

type columns struct {
	name, email, balance, role, status int
}

// Parse turns delimited text into validated import rows. The first
// non-empty line is the header; columns are located by case-insensitive
// substring match. knownEmails is the snapshot of existing users.
func Parse(text string, knownEmails []string) ([]models.ImportRow, error) {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return nil, ErrTooFewLines
	}

	delim := detectDelimiter(lines[0])
	cols := locateColumns(splitLine(lines[0], delim))

	known := make(map[string]bool, len(knownEmails))
	for _, e := range knownEmails {
		known[strings.ToLower(strings.TrimSpace(e))] = true
	}
	seen := make(map[string]bool)

	rows := make([]models.ImportRow, 0, len(lines)-1)
	for i, line := range lines[1:] {
		cells := splitLine(line, delim)
		raw := RawRecord{
			FullName: cell(cells, cols.name),
			Email:    cell(cells, cols.email),
			Balance:  cell(cells, cols.balance),
			Role:     cell(cells, cols.role),
			Status:   cell(cells, cols.status),
		}

		verdict := ValidateRow(raw, seen, known)
		if raw.Email != "" {
			seen[strings.ToLower(raw.Email)] = true
		}

		rows = append(rows, models.ImportRow{
			RowID:   i + 1,
			Data:    raw.Record(),
			IsValid: verdict.IsValid,
			Errors:  verdict.Errors,
			Include: verdict.IsValid,
		})
	}
	return rows, nil
}

func locateColumns(header []string) columns {
	find := func(key string) int {
		for i, h := range header {
			if strings.Contains(strings.ToLower(h), key) {
				return i
			}
		}
		return -1
	}
	return columns{
		name:    find("name"),
		email:   find("email"),
		balance: find("balance"),
		role:    find("role"),
		status:  find("status"),
	}
}

// detectDelimiter picks tab, semicolon or comma, whichever the header uses
// most. Comma wins ties.
func detectDelimiter(header string) rune {
	best, count := ',', strings.Count(header, ",")
	for _, d := range []rune{'\t', ';'} {
		if n := strings.Count(header, string(d)); n > count {
			best, count = d, n
		}
	}
	return best
}

// splitLine applies CSV quoting rules to a single line. Malformed quoting
// falls back to a plain split on the delimiter.
func splitLine(line string, delim rune) []string {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = delim != '\t'
	r.LazyQuotes = true

	cells, err := r.Read()
	if err != nil {
		cells = strings.Split(line, string(delim))
	}
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func cell(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}
