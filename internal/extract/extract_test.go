package extract

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/fetcher"
)

const csvExtract = "CÓDIGO_SNIES_DEL_PROGRAMA,NOMBRE_DEL_PROGRAMA\n101,Derecho\n\n102,Medicina\n"

func TestFileExtractor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.csv")
	require.NoError(t, os.WriteFile(path, []byte(csvExtract), 0o644))

	table, err := (&FileExtractor{Path: path}).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, table.Source)
	assert.Equal(t, []string{"CÓDIGO_SNIES_DEL_PROGRAMA", "NOMBRE_DEL_PROGRAMA"}, table.Header)
	assert.Equal(t, 2, table.Len())
}

func TestFileExtractor_MissingFile(t *testing.T) {
	_, err := (&FileExtractor{Path: filepath.Join(t.TempDir(), "nope.xlsx")}).Extract(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrExtraction))
}

func TestRemoteExtractor_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, csvExtract)
	}))
	defer srv.Close()

	e := &RemoteExtractor{
		URL:     srv.URL + "/export/programs.csv",
		Fetcher: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}),
		TempDir: t.TempDir(),
	}
	table, err := e.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, e.URL, table.Source)
}

func TestRemoteExtractor_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := &RemoteExtractor{
		URL:     srv.URL + "/programs.csv",
		Fetcher: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}),
		TempDir: t.TempDir(),
	}
	_, err := e.Extract(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrExtraction))
}

func TestNew(t *testing.T) {
	e, err := New(config.SourceConfig{Location: "data/in.xlsx", Sheet: "Programas", HeaderRow: 2})
	require.NoError(t, err)
	fe, ok := e.(*FileExtractor)
	require.True(t, ok)
	assert.Equal(t, "Programas", fe.Options.Sheet)
	assert.Equal(t, 2, fe.Options.HeaderRow)

	e, err = New(config.SourceConfig{Location: "https://example.org/programs.xlsx", TimeoutSecs: 5})
	require.NoError(t, err)
	re, ok := e.(*RemoteExtractor)
	require.True(t, ok)
	assert.IsType(t, &fetcher.HTTPFetcher{}, re.Fetcher)

	e, err = New(config.SourceConfig{Location: "ftp://host/pub/programs.xlsx"})
	require.NoError(t, err)
	assert.IsType(t, &fetcher.FTPFetcher{}, e.(*RemoteExtractor).Fetcher)

	_, err = New(config.SourceConfig{})
	assert.Error(t, err)
}

func TestRemoteExt(t *testing.T) {
	ext, err := remoteExt("https://host/a/b.CSV?x=1")
	require.NoError(t, err)
	assert.Equal(t, ".csv", ext)

	ext, err = remoteExt("https://host/download")
	require.NoError(t, err)
	assert.Equal(t, ".xlsx", ext)
}
