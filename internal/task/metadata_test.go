package task

import (
	"errors"
	"testing"
)

func TestSanitizeMetadataStripsReservedKeys(t *testing.T) {
	in := map[string]any{
		"owner":       "ops",
		"__proto__":   map[string]any{"polluted": true},
		"constructor": "evil",
		"nested": map[string]any{
			"prototype": 1,
			"keep":      2,
		},
	}

	out, err := SanitizeMetadata(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out["__proto__"]; ok {
		t.Error("__proto__ was not stripped")
	}
	if _, ok := out["constructor"]; ok {
		t.Error("constructor was not stripped")
	}
	nested := out["nested"].(map[string]any)
	if _, ok := nested["prototype"]; ok {
		t.Error("nested prototype was not stripped")
	}
	if nested["keep"] != int64(2) {
		t.Errorf("nested keep = %v", nested["keep"])
	}
	if out.GetString("owner") != "ops" {
		t.Errorf("owner = %q", out.GetString("owner"))
	}
}

func TestSanitizeMetadataRejectsCycles(t *testing.T) {
	self := map[string]any{"name": "loop"}
	self["self"] = self

	_, err := SanitizeMetadata(self)
	if !errors.Is(err, ErrCyclicMetadata) {
		t.Fatalf("expected ErrCyclicMetadata, got %v", err)
	}

	list := []any{"a", nil}
	list[1] = list
	_, err = SanitizeMetadata(map[string]any{"list": list})
	if !errors.Is(err, ErrCyclicMetadata) {
		t.Fatalf("expected ErrCyclicMetadata for list, got %v", err)
	}
}

func TestSanitizeMetadataAllowsSharedSubtrees(t *testing.T) {
	shared := map[string]any{"v": 1}
	out, err := SanitizeMetadata(map[string]any{"a": shared, "b": shared})
	if err != nil {
		t.Fatalf("shared (acyclic) subtree rejected: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("got %d keys", len(out))
	}
}

func TestSanitizeMetadataRejectsFunctions(t *testing.T) {
	_, err := SanitizeMetadata(map[string]any{"fn": func() {}})
	if err == nil {
		t.Fatal("expected error for function value")
	}
	_, err = SanitizeMetadata(map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected error for channel value")
	}
}

func TestSanitizeMetadataNil(t *testing.T) {
	out, err := SanitizeMetadata(nil)
	if err != nil || out != nil {
		t.Fatalf("got %v, %v", out, err)
	}
}
