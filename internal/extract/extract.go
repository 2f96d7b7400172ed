// Package extract produces raw tabular extracts of the external program
// registry from a local file or a remote HTTP(S)/FTP location.
package extract

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/fetcher"
	"github.com/sells-group/referent-cli/internal/model"
)

// Extractor returns a raw tabular extract or fails with failure.ErrExtraction.
type Extractor interface {
	Extract(ctx context.Context) (*model.RawTable, error)
}

// FileExtractor reads an extract from a local CSV or XLSX file.
type FileExtractor struct {
	Path    string
	Options fetcher.TableOptions
}

// Extract implements Extractor.
func (e *FileExtractor) Extract(ctx context.Context) (*model.RawTable, error) {
	header, rows, err := fetcher.ReadTable(ctx, e.Path, e.Options)
	if err != nil {
		return nil, failure.Wrap(failure.ErrExtraction, "extract", "read "+e.Path, err)
	}
	zap.L().Info("extract: read file",
		zap.String("path", e.Path),
		zap.Int("rows", len(rows)),
	)
	return &model.RawTable{Source: e.Path, Header: header, Rows: rows}, nil
}

// RemoteExtractor downloads an extract and parses it like a local file.
type RemoteExtractor struct {
	URL     string
	Fetcher fetcher.Fetcher
	Options fetcher.TableOptions
	// TempDir receives the downloaded file; defaults to os.TempDir().
	TempDir string
}

// Extract implements Extractor.
func (e *RemoteExtractor) Extract(ctx context.Context) (*model.RawTable, error) {
	ext, err := remoteExt(e.URL)
	if err != nil {
		return nil, failure.Wrap(failure.ErrExtraction, "extract", "parse url", err)
	}

	tmp, err := os.CreateTemp(e.TempDir, "extract-*"+ext)
	if err != nil {
		return nil, failure.Wrap(failure.ErrExtraction, "extract", "create temp file", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath) //nolint:errcheck

	start := time.Now()
	n, err := e.Fetcher.DownloadToFile(ctx, e.URL, tmpPath)
	if err != nil {
		return nil, failure.Wrap(failure.ErrExtraction, "extract", "download "+e.URL, err)
	}
	zap.L().Info("extract: downloaded",
		zap.String("url", e.URL),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)

	header, rows, err := fetcher.ReadTable(ctx, tmpPath, e.Options)
	if err != nil {
		return nil, failure.Wrap(failure.ErrExtraction, "extract", "parse download", err)
	}
	return &model.RawTable{Source: e.URL, Header: header, Rows: rows}, nil
}

// New builds the Extractor for cfg.Location: ftp:// and http(s):// URLs are
// downloaded, anything else is read as a local path.
func New(cfg config.SourceConfig) (Extractor, error) {
	loc := strings.TrimSpace(cfg.Location)
	if loc == "" {
		return nil, eris.New("extract: source.location is required")
	}
	opts := fetcher.TableOptions{Sheet: cfg.Sheet, HeaderRow: cfg.HeaderRow}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second

	switch {
	case strings.HasPrefix(loc, "ftp://"):
		return &RemoteExtractor{
			URL:     loc,
			Fetcher: fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout}),
			Options: opts,
		}, nil
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return &RemoteExtractor{
			URL: loc,
			Fetcher: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent:  cfg.UserAgent,
				Timeout:    timeout,
				RatePerSec: float64(cfg.RatePerSec),
			}),
			Options: opts,
		}, nil
	default:
		return &FileExtractor{Path: loc, Options: opts}, nil
	}
}

// remoteExt returns the file extension of the URL path, defaulting to .xlsx.
func remoteExt(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "extract: parse url")
	}
	ext := strings.ToLower(filepath.Ext(path.Base(u.Path)))
	switch ext {
	case ".xlsx", ".xlsm", ".csv", ".txt":
		return ext, nil
	default:
		return ".xlsx", nil
	}
}
