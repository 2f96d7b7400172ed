package schema

import (
	"strings"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

// Header aliases accepted for the internal catalog table, in folded form.
var (
	catalogCodeAliases  = []string{"CODIGO", "CODIGO_PROGRAMA", "CODIGO_EAFIT", "CODIGO_PROGRAMA_EAFIT", "CODE"}
	catalogNameAliases  = []string{"NOMBRE_PROGRAMA_EAFIT", "NOMBREPROGRAMA_EAFIT", "NOMBRE_PROGRAMA", "NOMBRE", "NAME"}
	catalogFieldAliases = []string{"CAMPO_AMPLIO", "CAMPO_AMPLIO_EAFIT", "BROAD_FIELD"}
	catalogLevelAliases = []string{"NIVEL_DE_FORMACION", "NIVEL_PROGRAMAS", "NIVEL", "LEVEL"}
)

// Header aliases accepted for the training table, in folded form.
var (
	trainExtCodeAliases  = []string{"CODIGO_SNIES_DEL_PROGRAMA", "CODIGO_SNIES"}
	trainExtNameAliases  = []string{"NOMBRE_DEL_PROGRAMA"}
	trainExtFieldAliases = []string{"CAMPO_AMPLIO"}
	trainExtLevelAliases = []string{"NIVEL_DE_FORMACION"}
	trainCatCodeAliases  = []string{"CODIGO_EAFIT", "CODIGO_PROGRAMA_EAFIT"}
	trainCatNameAliases  = []string{"NOMBREPROGRAMA_EAFIT", "NOMBRE_PROGRAMA_EAFIT"}
	trainCatFieldAliases = []string{"CAMPO_AMPLIO_EAFIT"}
	trainCatLevelAliases = []string{"NIVEL_DE_FORMACION_EAFIT"}
	trainLabelAliases    = []string{"LABEL", "ETIQUETA"}
)

// DecodeCatalog maps a catalog table onto CatalogEntry values. Code and name
// columns are required. Codes and levels are canonicalized; rows with an
// invalid code are dropped.
func DecodeCatalog(header []string, rows [][]string) ([]model.CatalogEntry, error) {
	idx := indexHeader(header)
	code, okCode := pick(idx, catalogCodeAliases)
	name, okName := pick(idx, catalogNameAliases)
	var missing []string
	if !okCode {
		missing = append(missing, "catalog code")
	}
	if !okName {
		missing = append(missing, "catalog name")
	}
	if len(missing) > 0 {
		return nil, failure.Wrap(failure.ErrValidation, "schema",
			"catalog table missing columns: "+strings.Join(missing, ", "), nil)
	}
	field, _ := pick(idx, catalogFieldAliases)
	level, _ := pick(idx, catalogLevelAliases)

	entries := make([]model.CatalogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, model.CatalogEntry{
			Code:       at(row, code),
			Name:       at(row, name),
			BroadField: at(row, field),
			Level:      at(row, level),
		})
	}
	return normalize.Catalog(entries), nil
}

// DecodeTrainingPairs maps a training table onto TrainingPair values. When
// the table carries no catalog code column, codes are resolved from the
// catalog by folded name. Pairs that resolve to no catalog code are dropped.
func DecodeTrainingPairs(header []string, rows [][]string, catalog []model.CatalogEntry) ([]model.TrainingPair, error) {
	idx := indexHeader(header)
	extName, ok1 := pick(idx, trainExtNameAliases)
	catName, ok2 := pick(idx, trainCatNameAliases)
	label, ok3 := pick(idx, trainLabelAliases)
	var missing []string
	for _, c := range []struct {
		ok   bool
		name string
	}{{ok1, "external name"}, {ok2, "catalog name"}, {ok3, "label"}} {
		if !c.ok {
			missing = append(missing, c.name)
		}
	}
	if len(missing) > 0 {
		return nil, failure.Wrap(failure.ErrValidation, "schema",
			"training table missing columns: "+strings.Join(missing, ", "), nil)
	}
	extCode, _ := pick(idx, trainExtCodeAliases)
	extField, _ := pick(idx, trainExtFieldAliases)
	extLevel, _ := pick(idx, trainExtLevelAliases)
	catCode, _ := pick(idx, trainCatCodeAliases)
	catField, _ := pick(idx, trainCatFieldAliases)
	catLevel, _ := pick(idx, trainCatLevelAliases)

	byName := make(map[string]model.CatalogEntry, len(catalog))
	for _, e := range catalog {
		byName[normalize.Text(e.Name)] = e
	}

	pairs := make([]model.TrainingPair, 0, len(rows))
	for _, row := range rows {
		p := model.TrainingPair{
			ExternalName:  at(row, extName),
			ExternalField: at(row, extField),
			ExternalLevel: at(row, extLevel),
			CatalogName:   at(row, catName),
			CatalogField:  at(row, catField),
			CatalogLevel:  at(row, catLevel),
			Label:         parseBool(at(row, label)),
		}
		if c, ok := normalize.Code(at(row, extCode)); ok {
			p.ExternalCode = c
		}
		if c, ok := normalize.Code(at(row, catCode)); ok {
			p.CatalogCode = c
		} else if e, ok := byName[normalize.Text(p.CatalogName)]; ok {
			p.CatalogCode = e.Code
			if p.CatalogField == "" {
				p.CatalogField = e.BroadField
			}
			if p.CatalogLevel == "" {
				p.CatalogLevel = e.Level
			}
		}
		if p.CatalogCode == "" || p.ExternalName == "" {
			continue
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func pick(idx map[string]int, aliases []string) (int, bool) {
	for _, a := range aliases {
		if i, ok := idx[a]; ok {
			return i, true
		}
	}
	return -1, false
}

func at(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
