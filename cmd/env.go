package main

import (
	"context"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/classifier"
	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/dataset"
	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/extract"
	"github.com/sells-group/referent-cli/internal/history"
	"github.com/sells-group/referent-cli/internal/lock"
	"github.com/sells-group/referent-cli/internal/metrics"
	"github.com/sells-group/referent-cli/internal/modelrepo"
	"github.com/sells-group/referent-cli/internal/normalize"
	"github.com/sells-group/referent-cli/internal/pipeline"
	"github.com/sells-group/referent-cli/internal/review"
	"github.com/sells-group/referent-cli/internal/schema"
	"github.com/sells-group/referent-cli/internal/store"
)

// appEnv holds the file-backed components every command works against.
type appEnv struct {
	Manifest  schema.Manifest
	Dataset   *dataset.Store
	History   *history.Store
	Locks     *lock.Manager
	Embedder  embedding.Embedder
	Models    *modelrepo.Repository
	Reference dataset.Reference

	trainOpts classifier.TrainOptions
	modelDir  string
}

// newAppEnv builds the components described by c. Nothing is opened or
// created on disk. The embedder is left unset until loadEmbedder, so Models
// can list and switch versions but not train or load for classification.
func newAppEnv(c *config.Config) *appEnv {
	m := schema.DefaultManifest()
	ds := dataset.NewStore(c.Dataset, m)

	lockPath := c.Lock.Path
	if lockPath == "" {
		lockPath = lock.PathFor(ds.Path())
	}

	opts := classifier.TrainOptions{
		Epochs:       c.Model.Epochs,
		LearningRate: c.Model.LearningRate,
		L2:           c.Model.L2,
	}

	return &appEnv{
		Manifest: m,
		Dataset:  ds,
		History:  history.New(c.History.Dir, m),
		Locks:    lock.NewManager(lockPath, c.Lock.TTL()),
		Models:   modelrepo.New(c.Model.Dir, nil, opts),
		Reference: dataset.Reference{
			CatalogPath:  c.Reference.CatalogPath,
			TrainingPath: c.Reference.TrainingPath,
		},
		trainOpts: opts,
		modelDir:  c.Model.Dir,
	}
}

// loadEmbedder builds the configured embedder and rebinds Models to it.
// The onnx backend loads its model here.
func (e *appEnv) loadEmbedder(c *config.Config) error {
	if e.Embedder != nil {
		return nil
	}
	emb, err := embedding.New(c.Embedding)
	if err != nil {
		return err
	}
	e.Embedder = emb
	e.Models = modelrepo.New(e.modelDir, emb, e.trainOpts)
	zap.L().Debug("embedder ready", zap.String("descriptor", emb.Descriptor()))
	return nil
}

// Close releases the embedder when it holds native resources.
func (e *appEnv) Close() error {
	if c, ok := e.Embedder.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// pipelineDeps assembles orchestrator collaborators. The extractor is only
// built when a source location is configured, so runs fed an explicit table
// do not need one. ledger and pm may be nil.
func (e *appEnv) pipelineDeps(c *config.Config, ledger store.Store, pm *metrics.PipelineMetrics) (pipeline.Deps, error) {
	if err := e.loadEmbedder(c); err != nil {
		return pipeline.Deps{}, err
	}
	deps := pipeline.Deps{
		Lock:      e.Locks,
		Store:     e.Dataset,
		History:   e.History,
		Models:    e.Models,
		Reference: e.Reference,
		Embedder:  e.Embedder,
		Manifest:  e.Manifest,
		Ledger:    ledger,
		Metrics:   pm,
	}
	if c.Source.Location != "" {
		ex, err := extract.New(c.Source)
		if err != nil {
			return deps, err
		}
		deps.Extractor = ex
	}
	if c.Reference.ValueMapPath != "" {
		vm, err := normalize.LoadValueMap(c.Reference.ValueMapPath)
		if err != nil {
			return deps, err
		}
		deps.ValueMap = vm
	}
	return deps, nil
}

// reviewService builds the reviewer adjustment service.
func (e *appEnv) reviewService() *review.Service {
	return review.NewService(e.Locks, e.Dataset, e.Reference)
}

// newPipelineMetrics registers pipeline metrics on a fresh registry.
func newPipelineMetrics() (*metrics.PipelineMetrics, error) {
	pm, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, eris.Wrap(err, "init metrics")
	}
	return pm, nil
}

// initStore opens the run ledger named by cfg.Store and migrates it.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite", "":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join("data", "runs.db")
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLedger opens the run ledger, logging and continuing without it when
// it is unavailable.
func initLedger(ctx context.Context, c *config.Config) store.Store {
	st, err := initStore(ctx, c)
	if err != nil {
		zap.L().Warn("run ledger unavailable, runs will not be recorded", zap.Error(err))
		return nil
	}
	return st
}
