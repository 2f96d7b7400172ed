package normalize

import (
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/fetcher"
)

// ValueMap holds per-column replacement tables applied to the final dataset.
// Columns are keyed by their folded header; values match after trimming.
type ValueMap struct {
	columns map[string]map[string]string
}

// NewValueMap builds a ValueMap from column -> (current -> replacement).
func NewValueMap(columns map[string]map[string]string) *ValueMap {
	vm := &ValueMap{columns: make(map[string]map[string]string, len(columns))}
	for col, m := range columns {
		key := Header(col)
		dst := make(map[string]string, len(m))
		for from, to := range m {
			dst[strings.TrimSpace(from)] = strings.TrimSpace(to)
		}
		vm.columns[key] = dst
	}
	return vm
}

// LoadValueMap reads a mapping workbook: one sheet per column, first column
// the current value, second column the replacement, first row a header.
func LoadValueMap(path string) (*ValueMap, error) {
	sheets, err := fetcher.ReadXLSXSheets(path)
	if err != nil {
		return nil, eris.Wrap(err, "normalize: read value map")
	}

	columns := make(map[string]map[string]string, len(sheets))
	for name, rows := range sheets {
		m := make(map[string]string)
		for i, row := range rows {
			if i == 0 || len(row) < 2 {
				continue
			}
			from, to := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
			if from == "" || to == "" {
				continue
			}
			m[from] = to
		}
		if len(m) == 0 {
			zap.L().Warn("normalize: value map sheet has no mappings", zap.String("sheet", name))
			continue
		}
		columns[name] = m
	}
	return NewValueMap(columns), nil
}

// Len returns the number of mapped columns.
func (vm *ValueMap) Len() int {
	if vm == nil {
		return 0
	}
	return len(vm.columns)
}

// Has reports whether a mapping exists for column.
func (vm *ValueMap) Has(column string) bool {
	if vm == nil {
		return false
	}
	_, ok := vm.columns[Header(column)]
	return ok
}

// Lookup returns the replacement for value in column.
func (vm *ValueMap) Lookup(column, value string) (string, bool) {
	if vm == nil {
		return "", false
	}
	m, ok := vm.columns[Header(column)]
	if !ok {
		return "", false
	}
	to, ok := m[strings.TrimSpace(value)]
	return to, ok
}
