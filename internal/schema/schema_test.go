package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/normalize"
)

func TestValidate_AllPresent(t *testing.T) {
	header := []string{" código_snies_del_programa", "NOMBRE_DEL_PROGRAMA", "Nombre Institución", "NIVEL_DE_FORMACION"}
	assert.NoError(t, DefaultManifest().Validate(header))
}

func TestValidate_NamesEveryMissingColumn(t *testing.T) {
	err := DefaultManifest().Validate([]string{"NOMBRE_DEL_PROGRAMA"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrValidation))
	assert.Contains(t, err.Error(), ColCode)
	assert.Contains(t, err.Error(), ColInstitution)
	assert.Contains(t, err.Error(), ColLevel)
	assert.NotContains(t, err.Error(), ColName+",")
}

func TestDecode(t *testing.T) {
	table := &model.RawTable{
		Header: []string{ColCode, ColName, ColInstitution, ColLevel, ColBroadField, "MODALIDAD", "LEGACY_COLUMN"},
		Rows: [][]string{
			{"101.0", " Ingeniería Civil ", "Universidad A", "Pregrado", "Ingeniería", "Presencial", "x"},
			{"102"},
		},
	}

	recs, report, err := DefaultManifest().Decode(table)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "101.0", recs[0].Code)
	assert.Equal(t, "Ingeniería Civil", recs[0].Name)
	assert.Equal(t, "Presencial", recs[0].Extra["MODALIDAD"])
	assert.NotContains(t, recs[0].Extra, "LEGACY_COLUMN")
	assert.Equal(t, "102", recs[1].Code)
	assert.Empty(t, recs[1].Name)

	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, []string{"LEGACY_COLUMN"}, report.Dropped)
}

func TestDecode_MissingColumns(t *testing.T) {
	_, _, err := DefaultManifest().Decode(&model.RawTable{Header: []string{ColCode}})
	assert.True(t, errors.Is(err, failure.ErrValidation))

	_, _, err = DefaultManifest().Decode(nil)
	assert.True(t, errors.Is(err, failure.ErrValidation))
}

func TestEncodeDecodeStored(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []model.ProgramRecord{
		{
			Code: "9999", Name: "Ingenieria De Sistemas", Institution: "U", Level: "universitario",
			IsNew: true, IsReferent: true, Confidence: 0.82, EmbeddingSimilarity: 1,
			MatchedCatalogCode: model.StringPtr("100"), MatchedCatalogName: model.StringPtr("Ingeniería de Sistemas"),
			FieldSimilarityFlag: true, LevelSimilarityFlag: true,
			ManuallyAdjusted: true, AdjustedAt: &at,
			Extra: map[string]string{"MODALIDAD": "Virtual"},
		},
		{Code: "200", Name: "Derecho", Institution: "U", Level: "universitario"},
	}

	m := DefaultManifest()
	header, rows := m.Encode(recs)
	assert.Equal(t, m.StoredHeader(), header)

	got, err := m.DecodeStored(header, rows)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "9999", got[0].Code)
	assert.True(t, got[0].IsNew)
	assert.True(t, got[0].IsReferent)
	assert.InDelta(t, 0.82, got[0].Confidence, 1e-9)
	assert.Equal(t, "100", model.Deref(got[0].MatchedCatalogCode))
	assert.Equal(t, "Ingeniería de Sistemas", model.Deref(got[0].MatchedCatalogName))
	assert.True(t, got[0].ManuallyAdjusted)
	require.NotNil(t, got[0].AdjustedAt)
	assert.True(t, at.Equal(*got[0].AdjustedAt))
	assert.Equal(t, "Virtual", got[0].Extra["MODALIDAD"])

	assert.Nil(t, got[1].MatchedCatalogCode)
	assert.False(t, got[1].IsReferent)
}

func TestDecodeStored_PlainExtract(t *testing.T) {
	recs, err := DefaultManifest().DecodeStored(
		[]string{ColCode, ColName, ColInstitution, ColLevel},
		[][]string{{"1", "A", "B", "Maestría"}},
	)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsNew)
	assert.Zero(t, recs[0].Confidence)
}

func TestDecodeStored_BadConfidence(t *testing.T) {
	_, err := DefaultManifest().DecodeStored(
		[]string{ColCode, ColName, ColInstitution, ColLevel, ColConfidence},
		[][]string{{"1", "A", "B", "C", "high"}},
	)
	assert.Error(t, err)
}

func TestApplyValueMap(t *testing.T) {
	vm := normalize.NewValueMap(map[string]map[string]string{
		ColInstitution: {"UNIV. A": "Universidad A"},
		"MODALIDAD":    {"Pres.": "Presencial"},
	})
	recs := []model.ProgramRecord{
		{Institution: "UNIV. A", Name: "X", Extra: map[string]string{"MODALIDAD": "Pres."}},
		{Institution: "Universidad B", Name: "Y"},
	}

	n := DefaultManifest().ApplyValueMap(recs, vm)
	assert.Equal(t, 2, n)
	assert.Equal(t, "Universidad A", recs[0].Institution)
	assert.Equal(t, "Presencial", recs[0].Extra["MODALIDAD"])
	assert.Equal(t, "Universidad B", recs[1].Institution)

	assert.Zero(t, DefaultManifest().ApplyValueMap(recs, nil))
}

func TestCompareCodesAndSort(t *testing.T) {
	assert.Equal(t, -1, CompareCodes("9", "10"))
	assert.Equal(t, 1, CompareCodes("B", "A"))
	assert.Equal(t, 0, CompareCodes("100", "100"))

	recs := []model.ProgramRecord{{Code: "20"}, {Code: "3"}, {Code: "100"}}
	SortByCode(recs)
	assert.Equal(t, "3", recs[0].Code)
	assert.Equal(t, "20", recs[1].Code)
	assert.Equal(t, "100", recs[2].Code)
}

func TestDecodeCatalog(t *testing.T) {
	header := []string{"Código", "Nombre Programa EAFIT", "CAMPO_AMPLIO", "Nivel Programas"}
	rows := [][]string{
		{"100.0", "Ingeniería de Sistemas", "Ingeniería", "Pregrado"},
		{"", "Sin código", "", ""},
	}
	entries, err := DecodeCatalog(header, rows)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.CatalogEntry{
		Code: "100", Name: "Ingeniería de Sistemas", BroadField: "Ingeniería", Level: normalize.LevelUndergraduate,
	}, entries[0])

	_, err = DecodeCatalog([]string{"CAMPO_AMPLIO"}, nil)
	assert.True(t, errors.Is(err, failure.ErrValidation))
}

func TestDecodeTrainingPairs_ResolvesCodesByName(t *testing.T) {
	catalog := []model.CatalogEntry{{Code: "100", Name: "Ingeniería de Sistemas", BroadField: "Ingeniería", Level: "universitario"}}
	header := []string{"NOMBRE_DEL_PROGRAMA", "NombrePrograma EAFIT", "CAMPO_AMPLIO", "NIVEL_DE_FORMACIÓN", "label"}
	rows := [][]string{
		{"Ingenieria de sistemas y computacion", "Ingenieria de Sistemas", "Ingeniería", "Pregrado", "1"},
		{"Medicina", "Programa inexistente", "Salud", "Pregrado", "0"},
	}

	pairs, err := DecodeTrainingPairs(header, rows, catalog)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "100", pairs[0].CatalogCode)
	assert.Equal(t, "Ingeniería", pairs[0].CatalogField)
	assert.True(t, pairs[0].Label)

	_, err = DecodeTrainingPairs([]string{"NOMBRE_DEL_PROGRAMA"}, nil, catalog)
	assert.True(t, errors.Is(err, failure.ErrValidation))
}

func TestDecodeTrainingPairs_ExternalCode(t *testing.T) {
	catalog := []model.CatalogEntry{{Code: "100", Name: "Ingeniería de Sistemas"}}
	header := []string{"CÓDIGO_SNIES_DEL_PROGRAMA", "NOMBRE_DEL_PROGRAMA", "NombrePrograma EAFIT", "label"}
	rows := [][]string{{"9999.0", "Ingenieria de sistemas", "Ingeniería de Sistemas", "1"}}

	pairs, err := DecodeTrainingPairs(header, rows, catalog)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "9999", pairs[0].ExternalCode)
}
