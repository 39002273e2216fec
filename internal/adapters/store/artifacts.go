package store

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Artifacts keeps named, versioned file trees per run. Records and blobs
// share the retention TTL so expired artifacts vanish together.
type Artifacts struct {
	storage  ports.StoragePort
	config   domain.StoreConfig
	validate *validator.Validate
	logger   *slog.Logger

	// uploads within one store are serialized so quota checks see a stable count
	mu sync.Mutex
}

func NewArtifacts(storage ports.StoragePort, config domain.StoreConfig, logger *slog.Logger) *Artifacts {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultStoreConfig()
	if config.MaxArtifactSize <= 0 {
		config.MaxArtifactSize = defaults.MaxArtifactSize
	}
	if config.MaxArtifactsPerRun <= 0 {
		config.MaxArtifactsPerRun = defaults.MaxArtifactsPerRun
	}
	if config.DefaultRetentionDays <= 0 {
		config.DefaultRetentionDays = defaults.DefaultRetentionDays
	}
	return &Artifacts{
		storage:  storage,
		config:   config,
		validate: validator.New(),
		logger:   logger.With("component", "artifact-store"),
	}
}

func (a *Artifacts) Put(ctx context.Context, runID string, upload domain.ArtifactUpload) (*domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.validateUpload(upload); err != nil {
		return nil, err
	}

	size := upload.Size()
	if size > a.config.MaxArtifactSize {
		return nil, &domain.QuotaExceededError{Resource: "artifact " + upload.Name, Limit: a.config.MaxArtifactSize, Actual: size}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	previous, err := a.record(runID, upload.Name)
	if err != nil {
		return nil, err
	}

	if previous != nil && !upload.Overwrite {
		return nil, &domain.ArtifactExistsError{Name: upload.Name, Version: previous.Version}
	}
	if previous == nil {
		count, err := a.storage.CountPrefix(domain.ArtifactPrefix(runID))
		if err != nil {
			return nil, err
		}
		if count >= a.config.MaxArtifactsPerRun {
			return nil, &domain.QuotaExceededError{Resource: "artifacts per run", Limit: int64(a.config.MaxArtifactsPerRun), Actual: int64(count + 1)}
		}
	}

	retention := upload.RetentionDays
	if retention <= 0 {
		retention = a.config.DefaultRetentionDays
	}
	ttl := time.Duration(retention) * 24 * time.Hour
	now := time.Now()

	artifact := &domain.Artifact{
		RunID:         runID,
		Name:          upload.Name,
		Version:       1,
		NodeID:        upload.NodeID,
		Size:          size,
		RetentionDays: retention,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if previous != nil {
		artifact.Version = previous.Version + 1
	}

	files := make([]string, 0, len(upload.Files))
	ops := make([]ports.WriteOp, 0, len(upload.Files))
	for name, data := range upload.Files {
		clean := path.Clean(name)
		files = append(files, clean)
		ops = append(ops, ports.WriteOp{
			Type:    ports.OpPut,
			Key:     domain.BlobKey(runID, upload.Name, artifact.Version, clean),
			Value:   data,
			Version: int64(artifact.Version),
			TTL:     ttl,
		})
	}
	sort.Strings(files)
	artifact.Files = files

	if err := a.storage.BatchWrite(ops); err != nil {
		return nil, fmt.Errorf("write artifact files: %w", err)
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return nil, err
	}
	if err := a.storage.PutWithTTL(domain.ArtifactKey(runID, upload.Name), data, int64(artifact.Version), ttl); err != nil {
		return nil, err
	}

	if previous != nil {
		if _, err := a.storage.DeleteByPrefix(domain.BlobPrefix(runID, previous.Name, previous.Version)); err != nil {
			a.logger.Warn("failed to delete replaced artifact files",
				"run_id", runID,
				"artifact", previous.Name,
				"version", previous.Version,
				"error", err)
		}
	}

	a.logger.Debug("artifact stored",
		"run_id", runID,
		"artifact", artifact.Name,
		"version", artifact.Version,
		"files", len(files),
		"size", size)

	return artifact, nil
}

// Get returns the files of every artifact whose name matches pattern. Unless
// mergeMultiple is set, each artifact lands under its own name directory. An
// exact name matching one artifact returns its files unprefixed.
func (a *Artifacts) Get(ctx context.Context, runID, pattern string, mergeMultiple bool) (ports.ArtifactTree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: artifact pattern %q: %v", domain.ErrInvalidInput, pattern, err)
	}

	artifacts, err := a.List(ctx, runID)
	if err != nil {
		return nil, err
	}

	var matched []domain.Artifact
	for _, artifact := range artifacts {
		if ok, _ := path.Match(pattern, artifact.Name); ok {
			matched = append(matched, artifact)
		}
	}
	if len(matched) == 0 {
		return nil, domain.NewKeyNotFoundError(domain.ArtifactKey(runID, pattern))
	}

	exact := len(matched) == 1 && matched[0].Name == pattern
	tree := make(ports.ArtifactTree)
	for _, artifact := range matched {
		prefix := domain.BlobPrefix(runID, artifact.Name, artifact.Version)
		blobs, err := a.storage.ListByPrefix(prefix)
		if err != nil {
			return nil, err
		}
		for _, blob := range blobs {
			name := strings.TrimPrefix(blob.Key, prefix)
			if !mergeMultiple && !exact {
				name = artifact.Name + "/" + name
			}
			tree[name] = blob.Value
		}
	}
	return tree, nil
}

// List returns the live artifacts of a run sorted by name.
func (a *Artifacts) List(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := a.storage.ListByPrefix(domain.ArtifactPrefix(runID))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	artifacts := make([]domain.Artifact, 0, len(items))
	for _, item := range items {
		var artifact domain.Artifact
		if err := json.Unmarshal(item.Value, &artifact); err != nil {
			a.logger.Warn("skipping corrupt artifact record", "key", item.Key, "error", err)
			continue
		}
		if artifact.IsExpired(now) {
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

func (a *Artifacts) Delete(ctx context.Context, runID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	artifact, err := a.record(runID, name)
	if err != nil {
		return err
	}
	if artifact == nil {
		return domain.NewKeyNotFoundError(domain.ArtifactKey(runID, name))
	}

	if err := a.storage.Delete(domain.ArtifactKey(runID, name)); err != nil {
		return err
	}
	_, err = a.storage.DeleteByPrefix(domain.BlobPrefix(runID, name, artifact.Version))
	return err
}

// PurgeRun removes every artifact of a run regardless of retention.
func (a *Artifacts) PurgeRun(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	records, err := a.storage.DeleteByPrefix(domain.ArtifactPrefix(runID))
	if err != nil {
		return err
	}
	blobs, err := a.storage.DeleteByPrefix(domain.RunKey(runID) + ":blob:")
	if err != nil {
		return err
	}

	a.logger.Info("purged run artifacts", "run_id", runID, "artifacts", records, "files", blobs)
	return nil
}

// PruneExpired drops every key whose retention TTL has passed and reports
// how many were removed.
func (a *Artifacts) PruneExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cleaned, err := a.storage.CleanExpired()
	if err != nil {
		return 0, err
	}
	if cleaned > 0 {
		a.logger.Info("pruned expired artifacts", "keys", cleaned)
	}
	return cleaned, nil
}

// Uploader returns an uploader bound to one node.
func (a *Artifacts) Uploader(runID, nodeID string) ports.ArtifactUploader {
	return &nodeUploader{artifacts: a, runID: runID, nodeID: nodeID}
}

func (a *Artifacts) record(runID, name string) (*domain.Artifact, error) {
	data, _, exists, err := a.storage.Get(domain.ArtifactKey(runID, name))
	if err != nil || !exists {
		return nil, err
	}
	var artifact domain.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: domain.ArtifactKey(runID, name), Message: err.Error()}
	}
	return &artifact, nil
}

func (a *Artifacts) validateUpload(upload domain.ArtifactUpload) error {
	if err := a.validate.Struct(upload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if strings.ContainsAny(upload.Name, ":/\\") {
		return fmt.Errorf("%w: artifact name %q contains a path separator", domain.ErrInvalidInput, upload.Name)
	}
	for name := range upload.Files {
		clean := path.Clean(name)
		if name == "" || path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("%w: artifact file path %q escapes the artifact root", domain.ErrInvalidInput, name)
		}
	}
	return nil
}

type nodeUploader struct {
	artifacts *Artifacts
	runID     string
	nodeID    string
}

func (u *nodeUploader) Upload(ctx context.Context, upload domain.ArtifactUpload) (*domain.Artifact, error) {
	upload.NodeID = u.nodeID
	return u.artifacts.Put(ctx, u.runID, upload)
}
