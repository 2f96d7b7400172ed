// Package schema validates raw tabular extracts at the boundary and maps
// them onto typed records through an explicit column manifest.
package schema

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// Field identifies a typed ProgramRecord field fed from a raw column.
type Field string

const (
	FieldCode        Field = "code"
	FieldName        Field = "name"
	FieldInstitution Field = "institution"
	FieldLevel       Field = "level"
	FieldBroadField  Field = "broad_field"
)

// Raw column headers of the external catalog extract.
const (
	ColCode        = "CÓDIGO_SNIES_DEL_PROGRAMA"
	ColName        = "NOMBRE_DEL_PROGRAMA"
	ColInstitution = "NOMBRE_INSTITUCIÓN"
	ColLevel       = "NIVEL_DE_FORMACIÓN"
	ColBroadField  = "CINE_F_2013_AC_CAMPO_AMPLIO"
)

// Manifest declares which raw columns feed which record fields, which of
// them are required, and which other columns are carried through untouched.
// Every other column is dropped.
type Manifest struct {
	Columns     map[Field]string
	Required    []Field
	PassThrough []string
}

// DefaultManifest returns the manifest for the national program registry
// extract.
func DefaultManifest() Manifest {
	return Manifest{
		Columns: map[Field]string{
			FieldCode:        ColCode,
			FieldName:        ColName,
			FieldInstitution: ColInstitution,
			FieldLevel:       ColLevel,
			FieldBroadField:  ColBroadField,
		},
		Required: []Field{FieldCode, FieldName, FieldInstitution, FieldLevel},
		PassThrough: []string{
			"CÓDIGO_INSTITUCIÓN",
			"CÓDIGO_INSTITUCIÓN_PADRE",
			"ESTADO_PROGRAMA",
			"NIVEL_ACADÉMICO",
			"MODALIDAD",
			"ÁREA_DE_CONOCIMIENTO",
			"NÚCLEO_BÁSICO_DEL_CONOCIMIENTO",
			"DEPARTAMENTO_OFERTA_PROGRAMA",
			"MUNICIPIO_OFERTA_PROGRAMA",
		},
	}
}

// RequiredColumns returns the raw headers of the required fields.
func (m Manifest) RequiredColumns() []string {
	out := make([]string, 0, len(m.Required))
	for _, f := range m.Required {
		out = append(out, m.Columns[f])
	}
	return out
}

// Validate checks header against the manifest's required columns.
func (m Manifest) Validate(header []string) error {
	return Validate(header, m.RequiredColumns())
}

// Validate reports every column of required missing from header. Matching
// ignores case, surrounding whitespace and diacritics.
func Validate(header []string, required []string) error {
	idx := indexHeader(header)
	var missing []string
	for _, col := range required {
		if _, ok := idx[normalize.Header(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return failure.Wrap(failure.ErrValidation, "schema",
			"missing required columns: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// DecodeReport summarizes how a raw table was mapped.
type DecodeReport struct {
	Rows    int
	Dropped []string
}

// Decode validates table and maps every row onto a ProgramRecord. Columns
// absent from the manifest are reported in DecodeReport.Dropped.
func (m Manifest) Decode(table *model.RawTable) ([]model.ProgramRecord, DecodeReport, error) {
	return m.decode(table, nil)
}

func (m Manifest) decode(table *model.RawTable, alsoKnown []string) ([]model.ProgramRecord, DecodeReport, error) {
	if table == nil {
		return nil, DecodeReport{}, failure.Wrap(failure.ErrValidation, "schema", "empty extract", nil)
	}
	if err := m.Validate(table.Header); err != nil {
		return nil, DecodeReport{}, err
	}

	idx := indexHeader(table.Header)
	fieldCol := make(map[Field]int, len(m.Columns))
	known := make(map[string]bool)
	for f, col := range m.Columns {
		key := normalize.Header(col)
		known[key] = true
		if i, ok := idx[key]; ok {
			fieldCol[f] = i
		}
	}
	for _, col := range alsoKnown {
		known[normalize.Header(col)] = true
	}
	passCol := make(map[string]int)
	for _, col := range m.PassThrough {
		key := normalize.Header(col)
		known[key] = true
		if i, ok := idx[key]; ok {
			passCol[col] = i
		}
	}

	report := DecodeReport{Rows: len(table.Rows)}
	for _, h := range table.Header {
		if !known[normalize.Header(h)] && strings.TrimSpace(h) != "" {
			report.Dropped = append(report.Dropped, h)
		}
	}
	sort.Strings(report.Dropped)
	if len(report.Dropped) > 0 {
		zap.L().Info("schema: dropping undeclared columns", zap.Strings("columns", report.Dropped))
	}

	recs := make([]model.ProgramRecord, 0, len(table.Rows))
	for _, row := range table.Rows {
		rec := model.ProgramRecord{
			Code:        cell(row, fieldCol, FieldCode),
			Name:        cell(row, fieldCol, FieldName),
			Institution: cell(row, fieldCol, FieldInstitution),
			Level:       cell(row, fieldCol, FieldLevel),
			BroadField:  cell(row, fieldCol, FieldBroadField),
		}
		if len(passCol) > 0 {
			rec.Extra = make(map[string]string, len(passCol))
			for col, i := range passCol {
				if i < len(row) {
					rec.Extra[col] = strings.TrimSpace(row[i])
				}
			}
		}
		recs = append(recs, rec)
	}
	return recs, report, nil
}

// ApplyValueMap rewrites record fields using vm, addressing each field by
// its manifest column. It returns the number of replaced values.
func (m Manifest) ApplyValueMap(recs []model.ProgramRecord, vm *normalize.ValueMap) int {
	if vm.Len() == 0 {
		return 0
	}
	replaced := 0
	apply := func(col string, v *string) {
		if col == "" || !vm.Has(col) {
			return
		}
		if to, ok := vm.Lookup(col, *v); ok && to != *v {
			*v = to
			replaced++
		}
	}
	for i := range recs {
		r := &recs[i]
		apply(m.Columns[FieldName], &r.Name)
		apply(m.Columns[FieldInstitution], &r.Institution)
		apply(m.Columns[FieldBroadField], &r.BroadField)
		for col, v := range r.Extra {
			val := v
			apply(col, &val)
			r.Extra[col] = val
		}
	}
	return replaced
}

func indexHeader(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := normalize.Header(h)
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

func cell(row []string, cols map[Field]int, f Field) string {
	i, ok := cols[f]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
