package domain

import (
	"fmt"
	"strings"
)

const (
	RunPrefix       = "run:"
	SemaphorePrefix = "semaphore:"
)

// RunKey builds the canonical key for a persisted run record
func RunKey(runID string) string {
	return RunPrefix + runID
}

// IsRunRecordKey reports whether key is a run record rather than a run-scoped child key
func IsRunRecordKey(key string) bool {
	return strings.HasPrefix(key, RunPrefix) && !strings.Contains(key[len(RunPrefix):], ":")
}

// RunScopePrefix covers every key owned by a run, including its record
func RunScopePrefix(runID string) string {
	return RunKey(runID) + ":"
}

func OutputPrefix(runID, nodeID string) string {
	return fmt.Sprintf("%s:output:%s:", RunKey(runID), nodeID)
}

func OutputKey(runID, nodeID, name string) string {
	return OutputPrefix(runID, nodeID) + name
}

func SealKey(runID, nodeID string) string {
	return fmt.Sprintf("%s:sealed:%s", RunKey(runID), nodeID)
}

func ArtifactPrefix(runID string) string {
	return RunKey(runID) + ":artifact:"
}

func ArtifactKey(runID, name string) string {
	return ArtifactPrefix(runID) + name
}

func BlobPrefix(runID, name string, version int) string {
	return fmt.Sprintf("%s:blob:%s:%d:", RunKey(runID), name, version)
}

func BlobKey(runID, name string, version int, path string) string {
	return BlobPrefix(runID, name, version) + path
}

func SemaphoreKey(group string) string {
	return SemaphorePrefix + group
}
