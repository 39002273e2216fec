package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type OutputStore interface {
	PutOutput(runID, nodeID, name, value string) error
	Seal(runID, nodeID string, status domain.NodeStatus) error
	IsSealed(runID, nodeID string) (bool, error)
	GetOutputs(runID, nodeID string) (map[string]string, error)
	Writer(runID, nodeID string) OutputWriter
}

// ArtifactTree maps relative file paths to file contents.
type ArtifactTree map[string][]byte

type ArtifactStore interface {
	Put(ctx context.Context, runID string, upload domain.ArtifactUpload) (*domain.Artifact, error)
	Get(ctx context.Context, runID, pattern string, mergeMultiple bool) (ArtifactTree, error)
	List(ctx context.Context, runID string) ([]domain.Artifact, error)
	Delete(ctx context.Context, runID, name string) error
	PurgeRun(ctx context.Context, runID string) error
	PruneExpired(ctx context.Context) (int, error)
	Uploader(runID, nodeID string) ArtifactUploader
}
