package store

import (
	"log/slog"
	"strings"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	json "github.com/goccy/go-json"
)

type sealRecord struct {
	Status   domain.NodeStatus `json:"status"`
	SealedAt time.Time         `json:"sealed_at"`
}

// Outputs stores job outputs per node. A node's outputs are written only by
// that node until sealed, and readable only after.
type Outputs struct {
	storage ports.StoragePort
	maxSize int64
	logger  *slog.Logger
}

func NewOutputs(storage ports.StoragePort, maxSize int64, logger *slog.Logger) *Outputs {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = domain.DefaultStoreConfig().MaxOutputSize
	}
	return &Outputs{
		storage: storage,
		maxSize: maxSize,
		logger:  logger.With("component", "output-store"),
	}
}

func (o *Outputs) PutOutput(runID, nodeID, name, value string) error {
	if name == "" || strings.ContainsAny(name, ":\n") {
		return domain.ErrInvalidInput
	}

	return o.storage.RunInTransaction(func(tx ports.Transaction) error {
		seal, err := readSeal(tx, runID, nodeID)
		if err != nil {
			return err
		}

		key := domain.OutputKey(runID, nodeID, name)
		existing, _, exists, err := tx.Get(key)
		if err != nil {
			return err
		}

		if seal != nil {
			if exists && string(existing) == value {
				return nil
			}
			o.logger.Warn("rejected write to sealed output",
				"run_id", runID,
				"node_id", nodeID,
				"output", name)
			return &domain.DuplicateOutputError{NodeID: nodeID, Name: name}
		}

		size := int64(len(value))
		current, err := o.currentSize(runID, nodeID)
		if err != nil {
			return err
		}
		if exists {
			current -= int64(len(existing))
		}
		if current+size > o.maxSize {
			return &domain.QuotaExceededError{Resource: "outputs of " + nodeID, Limit: o.maxSize, Actual: current + size}
		}

		return tx.Put(key, []byte(value), 1)
	})
}

// Seal freezes a node's outputs. Outputs stay readable only when status is success.
// Sealing twice keeps the first status.
func (o *Outputs) Seal(runID, nodeID string, status domain.NodeStatus) error {
	return o.storage.RunInTransaction(func(tx ports.Transaction) error {
		seal, err := readSeal(tx, runID, nodeID)
		if err != nil || seal != nil {
			return err
		}

		data, err := json.Marshal(sealRecord{Status: status, SealedAt: time.Now()})
		if err != nil {
			return err
		}
		return tx.Put(domain.SealKey(runID, nodeID), data, 1)
	})
}

func (o *Outputs) IsSealed(runID, nodeID string) (bool, error) {
	_, _, exists, err := o.storage.Get(domain.SealKey(runID, nodeID))
	return exists, err
}

// GetOutputs fails with ErrOutputsNotSealed until the node is terminal.
func (o *Outputs) GetOutputs(runID, nodeID string) (map[string]string, error) {
	data, _, exists, err := o.storage.Get(domain.SealKey(runID, nodeID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrOutputsNotSealed
	}

	var seal sealRecord
	if err := json.Unmarshal(data, &seal); err != nil {
		return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: domain.SealKey(runID, nodeID), Message: err.Error()}
	}

	outputs := make(map[string]string)
	if seal.Status != domain.NodeStatusSuccess {
		return outputs, nil
	}

	prefix := domain.OutputPrefix(runID, nodeID)
	items, err := o.storage.ListByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		outputs[strings.TrimPrefix(item.Key, prefix)] = string(item.Value)
	}
	return outputs, nil
}

// Writer returns a writer bound to one node.
func (o *Outputs) Writer(runID, nodeID string) ports.OutputWriter {
	return &nodeWriter{outputs: o, runID: runID, nodeID: nodeID}
}

func (o *Outputs) currentSize(runID, nodeID string) (int64, error) {
	items, err := o.storage.ListByPrefix(domain.OutputPrefix(runID, nodeID))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, item := range items {
		total += int64(len(item.Value))
	}
	return total, nil
}

func readSeal(tx ports.Transaction, runID, nodeID string) (*sealRecord, error) {
	data, _, exists, err := tx.Get(domain.SealKey(runID, nodeID))
	if err != nil || !exists {
		return nil, err
	}
	var seal sealRecord
	if err := json.Unmarshal(data, &seal); err != nil {
		return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: domain.SealKey(runID, nodeID), Message: err.Error()}
	}
	return &seal, nil
}

type nodeWriter struct {
	outputs *Outputs
	runID   string
	nodeID  string
}

func (w *nodeWriter) SetOutput(name, value string) error {
	return w.outputs.PutOutput(w.runID, w.nodeID, name, value)
}
