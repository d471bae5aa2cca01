// Package report exports the call index as an xlsx workbook for operators:
// one row per AudioUnit plus a totals sheet aggregated by status.
package report

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"callscribe/internal/types"
)

const (
	callsSheet  = "Calls"
	totalsSheet = "Totals"
)

// Export writes the workbook to path, replacing any previous export.
func Export(path string, units []types.AudioUnit) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName(f.GetSheetName(0), callsSheet)

	header := []any{"Unit ID", "File", "Status", "Attempts", "Arrived", "Updated", "Last Error"}
	if err := f.SetSheetRow(callsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, u := range units {
		row := []any{
			u.ID,
			u.Path,
			string(u.Status),
			u.Attempts,
			u.ArrivedAt.Format("01/02/2006 03:04:05 PM"),
			u.UpdatedAt.Format("01/02/2006 03:04:05 PM"),
			u.LastError,
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(callsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := writeTotals(f, units); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func writeTotals(f *excelize.File, units []types.AudioUnit) error {
	if _, err := f.NewSheet(totalsSheet); err != nil {
		return fmt.Errorf("create totals sheet: %w", err)
	}
	counts := map[string]int{}
	for _, u := range units {
		counts[string(u.Status)]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	header := []any{"Status", "Count"}
	if err := f.SetSheetRow(totalsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write totals header: %w", err)
	}
	for i, s := range statuses {
		row := []any{s, counts[s]}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(totalsSheet, cell, &row); err != nil {
			return fmt.Errorf("write totals row: %w", err)
		}
	}
	total := []any{"total", len(units)}
	cell := fmt.Sprintf("A%d", len(statuses)+2)
	return f.SetSheetRow(totalsSheet, cell, &total)
}
