// Package modelrepo stores trained classifier artifacts as integer-versioned,
// checksummed directories with a single current pointer.
package modelrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/referent-cli/internal/classifier"
	"github.com/sells-group/referent-cli/internal/embedding"
	"github.com/sells-group/referent-cli/internal/failure"
	"github.com/sells-group/referent-cli/internal/model"
)

// ErrNoVersion is returned by Current when nothing has been trained yet.
var ErrNoVersion = errors.New("no model version")

const (
	manifestFile = "manifest.yaml"
	weightsFile  = "weights.json"
	labelsFile   = "labels.json"
	currentFile  = "CURRENT"
)

// Manifest describes one artifact version.
type Manifest struct {
	Version   int               `yaml:"version"`
	CreatedAt time.Time         `yaml:"created_at"`
	Embedding string            `yaml:"embedding"`
	Classes   int               `yaml:"classes"`
	Samples   int               `yaml:"samples"`
	Files     map[string]string `yaml:"files"`
}

// ArtifactSet is a loaded, verified model version.
type ArtifactSet struct {
	Version  int
	Manifest Manifest
	Model    *classifier.Model
}

// VersionInfo summarizes a stored version.
type VersionInfo struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Classes   int       `json:"classes"`
	Samples   int       `json:"samples"`
	Current   bool      `json:"current"`
}

// Repository manages versions under a directory.
type Repository struct {
	dir      string
	embedder embedding.Embedder
	opts     classifier.TrainOptions

	mu sync.Mutex
}

// New creates a Repository rooted at dir.
func New(dir string, embedder embedding.Embedder, opts classifier.TrainOptions) *Repository {
	return &Repository{dir: dir, embedder: embedder, opts: opts}
}

// Dir returns the repository root.
func (r *Repository) Dir() string { return r.dir }

// Train fits a model on pairs, stores it as the next version and makes it
// current. Pairs naming a code absent from catalog are skipped.
func (r *Repository) Train(ctx context.Context, pairs []model.TrainingPair, catalog []model.CatalogEntry) (*ArtifactSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]string, len(catalog))
	for _, e := range catalog {
		known[e.Code] = e.Name
	}
	usable := make([]model.TrainingPair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := known[p.CatalogCode]; ok || len(catalog) == 0 {
			usable = append(usable, p)
		}
	}
	if skipped := len(pairs) - len(usable); skipped > 0 {
		zap.L().Warn("modelrepo: training pairs for unknown catalog codes skipped", zap.Int("skipped", skipped))
	}

	mdl, err := classifier.Train(ctx, usable, r.embedder, r.opts)
	if err != nil {
		return nil, eris.Wrap(err, "modelrepo: train")
	}
	for code := range mdl.Labels.Names {
		if name, ok := known[code]; ok {
			mdl.Labels.Names[code] = name
		}
	}

	versions, err := r.versions()
	if err != nil {
		return nil, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	samples := 0
	for _, p := range usable {
		if p.Label {
			samples++
		}
	}
	man := Manifest{
		Version:   next,
		CreatedAt: time.Now().UTC(),
		Embedding: mdl.Weights.Descriptor,
		Classes:   mdl.Labels.Len(),
		Samples:   samples,
	}
	if err := r.write(man, mdl); err != nil {
		return nil, err
	}
	if err := r.setCurrent(next); err != nil {
		return nil, err
	}

	zap.L().Info("modelrepo: version trained",
		zap.Int("version", next),
		zap.Int("classes", man.Classes),
		zap.Int("samples", samples),
	)
	return &ArtifactSet{Version: next, Manifest: man, Model: mdl}, nil
}

// Load reads and verifies version v.
func (r *Repository) Load(v int) (*ArtifactSet, error) {
	dir := r.versionDir(v)
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, artifactErr(fmt.Sprintf("read manifest of v%d", v), err)
	}
	var man Manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return nil, artifactErr(fmt.Sprintf("decode manifest of v%d", v), err)
	}
	if man.Version != v {
		return nil, artifactErr(fmt.Sprintf("manifest in v%d claims version %d", v, man.Version), nil)
	}

	var weights classifier.Weights
	if err := r.readVerified(dir, weightsFile, man, &weights); err != nil {
		return nil, err
	}
	var labels classifier.LabelEncoder
	if err := r.readVerified(dir, labelsFile, man, &labels); err != nil {
		return nil, err
	}

	mdl := &classifier.Model{Weights: weights, Labels: classifier.NewLabelEncoder(labels.Classes, labels.Names)}
	if err := mdl.Validate(); err != nil {
		return nil, artifactErr(fmt.Sprintf("v%d", v), err)
	}
	if r.embedder != nil && weights.Descriptor != r.embedder.Descriptor() {
		return nil, artifactErr(fmt.Sprintf("v%d was trained with %q, configured embedder is %q",
			v, weights.Descriptor, r.embedder.Descriptor()), nil)
	}
	return &ArtifactSet{Version: v, Manifest: man, Model: mdl}, nil
}

// Current loads the current version. With nothing trained it returns an
// error matching both failure.ErrModelArtifact and ErrNoVersion.
func (r *Repository) Current() (*ArtifactSet, error) {
	v, err := r.CurrentVersion()
	if err != nil {
		return nil, err
	}
	return r.Load(v)
}

// CurrentVersion returns the version the CURRENT pointer names.
func (r *Repository) CurrentVersion() (int, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, failure.Wrap(failure.ErrModelArtifact, "modelrepo", "nothing trained in "+r.dir, ErrNoVersion)
	}
	if err != nil {
		return 0, artifactErr("read current pointer", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v <= 0 {
		return 0, artifactErr(fmt.Sprintf("current pointer %q is not a version", strings.TrimSpace(string(data))), err)
	}
	return v, nil
}

// SetCurrent points CURRENT at v after verifying it loads.
func (r *Repository) SetCurrent(v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.Load(v); err != nil {
		return err
	}
	return r.setCurrent(v)
}

// Rollback makes the newest version older than the current one current and
// returns it.
func (r *Repository) Rollback() (int, error) {
	cur, err := r.CurrentVersion()
	if err != nil {
		return 0, err
	}
	versions, err := r.versions()
	if err != nil {
		return 0, err
	}
	prev := 0
	for _, v := range versions {
		if v < cur {
			prev = v
		}
	}
	if prev == 0 {
		return 0, eris.Errorf("modelrepo: no version older than v%d", cur)
	}
	if err := r.SetCurrent(prev); err != nil {
		return 0, err
	}
	zap.L().Info("modelrepo: rolled back", zap.Int("from", cur), zap.Int("to", prev))
	return prev, nil
}

// List returns every stored version, oldest first.
func (r *Repository) List() ([]VersionInfo, error) {
	versions, err := r.versions()
	if err != nil {
		return nil, err
	}
	cur, _ := r.CurrentVersion()

	out := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		info := VersionInfo{Version: v, Current: v == cur}
		if data, err := os.ReadFile(filepath.Join(r.versionDir(v), manifestFile)); err == nil {
			var man Manifest
			if yaml.Unmarshal(data, &man) == nil {
				info.CreatedAt = man.CreatedAt
				info.Classes = man.Classes
				info.Samples = man.Samples
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *Repository) versionDir(v int) string {
	return filepath.Join(r.dir, fmt.Sprintf("v%d", v))
}

func (r *Repository) versions() ([]int, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "modelrepo: list versions")
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "v")); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

// write stores a version in a temporary directory and renames it into place.
func (r *Repository) write(man Manifest, mdl *classifier.Model) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return eris.Wrap(err, "modelrepo: create dir")
	}
	tmp, err := os.MkdirTemp(r.dir, ".train-*")
	if err != nil {
		return eris.Wrap(err, "modelrepo: create temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	man.Files = make(map[string]string, 2)
	for name, v := range map[string]any{weightsFile: mdl.Weights, labelsFile: mdl.Labels} {
		data, err := json.Marshal(v)
		if err != nil {
			return eris.Wrapf(err, "modelrepo: encode %s", name)
		}
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return eris.Wrapf(err, "modelrepo: write %s", name)
		}
		man.Files[name] = checksum(data)
	}

	data, err := yaml.Marshal(man)
	if err != nil {
		return eris.Wrap(err, "modelrepo: encode manifest")
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), data, 0o644); err != nil {
		return eris.Wrap(err, "modelrepo: write manifest")
	}
	if err := os.Rename(tmp, r.versionDir(man.Version)); err != nil {
		return eris.Wrap(err, "modelrepo: publish version")
	}
	return nil
}

func (r *Repository) setCurrent(v int) error {
	path := filepath.Join(r.dir, currentFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(v)+"\n"), 0o644); err != nil {
		return eris.Wrap(err, "modelrepo: write current pointer")
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrap(err, "modelrepo: replace current pointer")
	}
	return nil
}

func (r *Repository) readVerified(dir, name string, man Manifest, dst any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return artifactErr("read "+name, err)
	}
	want, ok := man.Files[name]
	if !ok {
		return artifactErr("manifest has no checksum for "+name, nil)
	}
	if got := checksum(data); got != want {
		return artifactErr(fmt.Sprintf("checksum mismatch for %s in v%d", name, man.Version), nil)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return artifactErr("decode "+name, err)
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func artifactErr(msg string, err error) error {
	return failure.Wrap(failure.ErrModelArtifact, "modelrepo", msg, err)
}
