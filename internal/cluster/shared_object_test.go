package cluster

import "testing"

func TestDeepMerge(t *testing.T) {
	t.Run("Merges_Nested_Trees", func(t *testing.T) {
		base := map[string]any{
			"device1": map[string]any{"status": "ok", "value": 1},
		}
		delta := map[string]any{
			"device1": map[string]any{"value": 2},
			"device2": map[string]any{"status": "new"},
		}

		result := deepMerge(base, delta)

		device1, ok := result["device1"].(map[string]any)
		if !ok {
			t.Fatalf("expected device1 to remain a tree")
		}
		if device1["status"] != "ok" {
			t.Errorf("expected untouched status 'ok', got %v", device1["status"])
		}
		if device1["value"] != 2 {
			t.Errorf("expected value overwritten to 2, got %v", device1["value"])
		}
		if _, ok := result["device2"]; !ok {
			t.Errorf("expected device2 to be added")
		}
	})

	t.Run("Nil_Base_Allocates_Tree", func(t *testing.T) {
		result := deepMerge(nil, map[string]any{"a": 1})
		if result["a"] != 1 {
			t.Errorf("expected merge into nil base to produce {a: 1}, got %v", result)
		}
	})

	t.Run("Idempotent_Round_Trip", func(t *testing.T) {
		base := map[string]any{"a": map[string]any{"b": 1}}
		delta := map[string]any{"a": map[string]any{"c": 2}}
		if !isIdempotentMerge(base, delta) {
			t.Errorf("expected merging the same delta twice to equal merging it once")
		}
	})
}

func TestDeepDelete(t *testing.T) {
	t.Run("Removes_Leaf_And_Prunes_Empty_Ancestors", func(t *testing.T) {
		tree := map[string]any{
			"group1": map[string]any{
				"device1": map[string]any{"status": "ok"},
			},
		}
		result := deepDelete(tree, []string{"group1", "device1", "status"})
		if _, ok := result["group1"]; ok {
			t.Errorf("expected group1 to be pruned once it became empty, got %v", result)
		}
	})

	t.Run("Leaves_Siblings_Intact", func(t *testing.T) {
		tree := map[string]any{
			"group1": map[string]any{
				"device1": map[string]any{"status": "ok"},
				"device2": map[string]any{"status": "ok"},
			},
		}
		result := deepDelete(tree, []string{"group1", "device1"})
		group1, ok := result["group1"].(map[string]any)
		if !ok {
			t.Fatalf("expected group1 to survive since device2 remains")
		}
		if _, ok := group1["device1"]; ok {
			t.Errorf("expected device1 removed")
		}
		if _, ok := group1["device2"]; !ok {
			t.Errorf("expected device2 to remain untouched")
		}
	})

	t.Run("Missing_Path_Is_A_NoOp", func(t *testing.T) {
		tree := map[string]any{"a": map[string]any{"b": 1}}
		result := deepDelete(tree, []string{"x", "y"})
		if len(result) != 1 {
			t.Errorf("expected tree unchanged for a missing path, got %v", result)
		}
	})
}

func TestGetPath(t *testing.T) {
	tree := map[string]any{"a": map[string]any{"b": 42}}

	t.Run("Found", func(t *testing.T) {
		v, ok := getPath(tree, []string{"a", "b"})
		if !ok || v != 42 {
			t.Errorf("expected (42, true), got (%v, %v)", v, ok)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, ok := getPath(tree, []string{"a", "c"})
		if ok {
			t.Errorf("expected not found for missing key")
		}
	})
}

func TestSharedEntryClone(t *testing.T) {
	t.Run("Deep_Copy_Does_Not_Alias_Nested_Maps", func(t *testing.T) {
		original := SharedEntry{Seq: 1, Tree: map[string]any{"a": map[string]any{"b": 1}}}
		clone := original.Clone()

		clone.Tree["a"].(map[string]any)["b"] = 2

		if original.Tree["a"].(map[string]any)["b"] != 1 {
			t.Errorf("expected original untouched by mutation of clone, got %v", original.Tree["a"])
		}
	})
}
