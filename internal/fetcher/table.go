package fetcher

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// TableOptions selects the rows of a tabular file that form a table.
type TableOptions struct {
	Sheet     string // XLSX only; default first sheet
	HeaderRow int    // zero-based index of the header row
}

// ReadTable reads a CSV or XLSX file (chosen by extension) and splits it into
// a header and data rows. Rows before HeaderRow are discarded and fully blank
// rows are skipped.
func ReadTable(ctx context.Context, path string, opts TableOptions) ([]string, [][]string, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = ReadXLSX(path, XLSXOptions{SheetName: opts.Sheet})
	case ".csv", ".txt":
		rows, err = ReadCSVFile(ctx, path, CSVOptions{LazyQuotes: true, TrimSpace: true})
	default:
		return nil, nil, eris.Errorf("table: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, nil, err
	}

	if opts.HeaderRow >= len(rows) {
		return nil, nil, eris.Errorf("table: header row %d beyond end of %s (%d rows)", opts.HeaderRow, path, len(rows))
	}

	header := rows[opts.HeaderRow]
	var data [][]string
	for _, r := range rows[opts.HeaderRow+1:] {
		if blank(r) {
			continue
		}
		data = append(data, r)
	}
	return header, data, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
