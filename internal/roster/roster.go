// Package roster parses attestor onboarding spreadsheets. Operations teams
// hand over XLSX rosters; each row becomes a registration candidate.
package roster

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/registry"
)

// Entry is one roster row: a registration candidate plus its stake bond.
type Entry struct {
	Candidate   registry.Candidate
	StakeAmount int64
}

// Options configures the roster parser.
type Options struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// Expected column order: organization, region, specialties, stake_amount.
// Specialties are semicolon-separated; empty means generalist. The first row
// is treated as a header and skipped.
const columnCount = 4

// Read parses an XLSX roster file into registration entries.
func Read(path string, opts Options) ([]Entry, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "roster: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for i, row := range sheet.Rows {
		if i == 0 {
			continue
		}
		cells := rowToStrings(row)
		if isBlank(cells) {
			continue
		}
		e, err := parseRow(cells)
		if err != nil {
			return nil, eris.Wrapf(err, "roster: row %d", i+1)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseRow(cells []string) (Entry, error) {
	if len(cells) < columnCount {
		return Entry{}, eris.Errorf("expected %d columns, got %d", columnCount, len(cells))
	}

	org := strings.TrimSpace(cells[0])
	if org == "" {
		return Entry{}, eris.New("organization is required")
	}

	stake, err := strconv.ParseInt(strings.TrimSpace(cells[3]), 10, 64)
	if err != nil {
		return Entry{}, eris.Wrapf(err, "parse stake %q", cells[3])
	}

	var specialties []model.AssetType
	for _, s := range strings.Split(cells[2], ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			specialties = append(specialties, model.AssetType(s))
		}
	}

	return Entry{
		Candidate: registry.Candidate{
			OrganizationName: org,
			Region:           strings.TrimSpace(cells[1]),
			Specialties:      specialties,
		},
		StakeAmount: stake,
	}, nil
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("roster: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("roster: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
