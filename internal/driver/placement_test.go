package driver

import (
	"testing"

	"github.com/hedopia/communicators/internal/protocol"
)

func devicesWithGroups(spec map[string]string) []protocol.Device {
	var out []protocol.Device
	for id, group := range spec {
		out = append(out, protocol.Device{ID: id, Group: group})
	}
	return out
}

func countOwned(assignment map[int][]string) map[int]int {
	counts := map[int]int{}
	for node, ids := range assignment {
		counts[node] = len(ids)
	}
	return counts
}

func TestBalanceGroupsStayTogether(t *testing.T) {
	t.Run("Devices_Sharing_A_Group_Land_On_The_Same_Node", func(t *testing.T) {
		devices := devicesWithGroups(map[string]string{
			"d1": "g1", "d2": "g1", "d3": "",
		})
		assignment := Balance(devices, []int{1, 2}, map[int]int{1: 0, 2: 0})

		var groupNode int
		found := false
		for node, ids := range assignment {
			for _, id := range ids {
				if id == "d1" {
					groupNode = node
					found = true
				}
			}
		}
		if !found {
			t.Fatal("d1 was not assigned to any node")
		}
		d2Node := -1
		for node, ids := range assignment {
			for _, id := range ids {
				if id == "d2" {
					d2Node = node
				}
			}
		}
		if d2Node != groupNode {
			t.Fatalf("expected d1 and d2 (same group) on the same node; d1=%d d2=%d", groupNode, d2Node)
		}
	})
}

func TestBalanceIsDeterministic(t *testing.T) {
	t.Run("Repeated_Runs_Produce_The_Same_Assignment", func(t *testing.T) {
		devices := devicesWithGroups(map[string]string{
			"d1": "", "d2": "", "d3": "", "d4": "", "d5": "", "d6": "",
		})
		nodes := []int{1, 2, 3}
		first := Balance(devices, nodes, map[int]int{1: 0, 2: 0, 3: 0})
		second := Balance(devices, nodes, map[int]int{1: 0, 2: 0, 3: 0})

		for _, node := range nodes {
			if len(first[node]) != len(second[node]) {
				t.Fatalf("non-deterministic placement for node %d: %v vs %v", node, first[node], second[node])
			}
		}
	})
}

func TestBalanceRebalanceOnDeletion(t *testing.T) {
	t.Run("Orphans_From_A_Dead_Node_Spread_Across_Survivors", func(t *testing.T) {
		// Seed scenario: 3 nodes, 6 devices, sizes {2,2,2}; node 2 dies and
		// its 2 devices are rebalanced across nodes 1 and 3 -> sizes {3,3}.
		orphans := devicesWithGroups(map[string]string{"d3": "", "d4": ""})
		survivors := []int{1, 3}
		currentCounts := map[int]int{1: 2, 3: 2}

		assignment := Balance(orphans, survivors, currentCounts)
		totals := countOwned(assignment)
		for _, node := range survivors {
			if got := currentCounts[node] + totals[node]; got != 3 {
				t.Fatalf("expected node %d to end up with 3 devices, got %d", node, got)
			}
		}
	})
}

func TestValidateNewRejectsDuplicatesAndBadIDs(t *testing.T) {
	t.Run("Rejects_Already_Owned_And_Malformed_Ids", func(t *testing.T) {
		devices := []protocol.Device{
			{ID: "ok1"},
			{ID: "already-owned!"},
			{ID: "taken"},
		}
		deviceIDMap := map[string]int{"taken": 1}

		accepted, rejected := ValidateNew(devices, deviceIDMap)
		if len(accepted) != 1 || accepted[0].ID != "ok1" {
			t.Fatalf("expected only ok1 accepted, got %v", accepted)
		}
		if _, ok := rejected["already-owned!"]; !ok {
			t.Fatalf("expected already-owned! rejected for invalid id grammar")
		}
		if _, ok := rejected["taken"]; !ok {
			t.Fatalf("expected taken rejected as already registered")
		}
	})
}
