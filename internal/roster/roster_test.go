package roster

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/clearstake/attest-engine/internal/model"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "roster.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestRead_Basic(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"organization", "region", "specialties", "stake_amount"},
			{"Veritas Labs", "eu-west", "real_estate;carbon_credit", "500000"},
			{"Argus Audit", "us-east", "", "250000"},
		},
	})

	entries, err := Read(path, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Veritas Labs", entries[0].Candidate.OrganizationName)
	assert.Equal(t, "eu-west", entries[0].Candidate.Region)
	assert.Equal(t, []model.AssetType{"real_estate", "carbon_credit"}, entries[0].Candidate.Specialties)
	assert.Equal(t, int64(500_000), entries[0].StakeAmount)

	// Empty specialties column means generalist.
	assert.Empty(t, entries[1].Candidate.Specialties)
	assert.Equal(t, int64(250_000), entries[1].StakeAmount)
}

func TestRead_SkipsBlankRows(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"organization", "region", "specialties", "stake_amount"},
			{"", "", "", ""},
			{"Veritas Labs", "eu-west", "", "500000"},
		},
	})

	entries, err := Read(path, Options{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRead_BadStake(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"organization", "region", "specialties", "stake_amount"},
			{"Veritas Labs", "eu-west", "", "half a million"},
		},
	})

	_, err := Read(path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
}

func TestRead_MissingOrganization(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"organization", "region", "specialties", "stake_amount"},
			{"", "eu-west", "", "500000"},
		},
	})

	_, err := Read(path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organization")
}

func TestRead_SheetByName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Attestors": {
			{"organization", "region", "specialties", "stake_amount"},
			{"Veritas Labs", "eu-west", "", "500000"},
		},
	})

	entries, err := Read(path, Options{SheetName: "Attestors"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = Read(path, Options{SheetName: "Nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
