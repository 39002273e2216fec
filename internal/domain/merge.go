package domain

import (
	"dario.cat/mergo"
)

// MergeEnv layers env maps left to right; later layers win.
func MergeEnv(layers ...map[string]string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, layer, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
			return nil, NewConfigError("env", err)
		}
	}
	return merged, nil
}

// MergeBindings returns base with every key of extra applied on top.
func MergeBindings(base, extra map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, extra, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
		return nil, NewMatrixError("", "merge include", err)
	}
	return merged, nil
}
