package domain

import (
	"reflect"
	"testing"
)

func TestMergeEnv_LaterLayersWin(t *testing.T) {
	merged, err := MergeEnv(
		map[string]string{"REGION": "us", "LEVEL": "workflow"},
		nil,
		map[string]string{"LEVEL": "run", "TOKEN": ""},
		map[string]string{"LEVEL": "job"},
	)
	if err != nil {
		t.Fatalf("MergeEnv failed: %v", err)
	}

	expected := map[string]string{"REGION": "us", "LEVEL": "job", "TOKEN": ""}
	if !reflect.DeepEqual(merged, expected) {
		t.Errorf("expected %v, got %v", expected, merged)
	}
}

func TestMergeEnv_DoesNotAliasLayers(t *testing.T) {
	base := map[string]string{"A": "1"}
	merged, err := MergeEnv(base, map[string]string{"A": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if base["A"] != "1" {
		t.Error("merging must not modify the input layers")
	}
	if merged["A"] != "2" {
		t.Errorf("expected override, got %s", merged["A"])
	}
}

func TestMergeBindings(t *testing.T) {
	base := map[string]any{"os": "linux", "go": "1.24"}
	merged, err := MergeBindings(base, map[string]any{"go": "1.25", "race": true})
	if err != nil {
		t.Fatalf("MergeBindings failed: %v", err)
	}

	expected := map[string]any{"os": "linux", "go": "1.25", "race": true}
	if !reflect.DeepEqual(merged, expected) {
		t.Errorf("expected %v, got %v", expected, merged)
	}
	if base["go"] != "1.24" {
		t.Error("base bindings must stay untouched")
	}
}
