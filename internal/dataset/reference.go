package dataset

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/fetcher"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/schema"
)

// LoadCatalog reads the internal catalog reference table.
func LoadCatalog(ctx context.Context, path string) ([]model.CatalogEntry, error) {
	header, rows, err := fetcher.ReadTable(ctx, path, fetcher.TableOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read catalog")
	}
	entries, err := schema.DecodeCatalog(header, rows)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("dataset: catalog loaded", zap.String("path", path), zap.Int("entries", len(entries)))
	return entries, nil
}

// LoadTrainingPairs reads the labelled training reference table, resolving
// catalog codes against catalog when the table only names programs.
func LoadTrainingPairs(ctx context.Context, path string, catalog []model.CatalogEntry) ([]model.TrainingPair, error) {
	header, rows, err := fetcher.ReadTable(ctx, path, fetcher.TableOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "dataset: read training pairs")
	}
	pairs, err := schema.DecodeTrainingPairs(header, rows, catalog)
	if err != nil {
		return nil, err
	}
	if dropped := len(rows) - len(pairs); dropped > 0 {
		zap.L().Warn("dataset: training rows without a catalog program skipped", zap.Int("skipped", dropped))
	}
	return pairs, nil
}

// Reference reads the catalog and training tables from fixed paths.
type Reference struct {
	CatalogPath  string
	TrainingPath string
}

// Catalog implements the orchestrator's reference source.
func (r Reference) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	return LoadCatalog(ctx, r.CatalogPath)
}

// TrainingPairs loads the training table against catalog.
func (r Reference) TrainingPairs(ctx context.Context, catalog []model.CatalogEntry) ([]model.TrainingPair, error) {
	if r.TrainingPath == "" {
		return nil, eris.New("dataset: no training table configured")
	}
	return LoadTrainingPairs(ctx, r.TrainingPath, catalog)
}
