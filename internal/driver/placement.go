package driver

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/hedopia/communicators/internal/protocol"
)

// unit is one placement atom: a single ungrouped device, or every device
// sharing a non-empty Group, moved together per spec's "devices sharing a
// non-empty group move as one unit" rule.
type unit struct {
	key       string
	deviceIDs []string
}

// groupUnits partitions devices into placement units, grouping by Group
// where non-empty.
func groupUnits(devices []protocol.Device) []unit {
	byGroup := map[string][]string{}
	var order []string
	for _, d := range devices {
		key := d.Group
		if key == "" {
			key = "\x00device:" + d.ID // ungrouped devices are each their own unit
		}
		if _, ok := byGroup[key]; !ok {
			order = append(order, key)
		}
		byGroup[key] = append(byGroup[key], d.ID)
	}
	units := make([]unit, 0, len(order))
	for _, key := range order {
		units = append(units, unit{key: key, deviceIDs: byGroup[key]})
	}
	// Deterministic starting order regardless of map iteration: sort by key.
	sort.Slice(units, func(i, j int) bool { return units[i].key < units[j].key })
	return units
}

// nodeLoad is one entry in the min-priority queue: node nodeIndex currently
// owns count devices.
type nodeLoad struct {
	nodeIndex int
	count     int
}

type loadHeap []nodeLoad

func (h loadHeap) Len() int { return len(h) }
func (h loadHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count < h[j].count
	}
	return h[i].nodeIndex < h[j].nodeIndex
}
func (h loadHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *loadHeap) Push(x any)        { *h = append(*h, x.(nodeLoad)) }
func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Balance assigns devices to nodeIndices using a min-priority queue keyed
// on each node's currentCounts, placing devices that share a non-empty
// group on the same node. Ties in owned-count are broken by the lowest
// nodeIndex. Units are placed in the order of an xxhash of their key, so
// repeated balancing runs are stable without depending on map iteration
// order.
func Balance(devices []protocol.Device, nodeIndices []int, currentCounts map[int]int) map[int][]string {
	if len(nodeIndices) == 0 {
		return nil
	}

	h := make(loadHeap, 0, len(nodeIndices))
	for _, idx := range nodeIndices {
		h = append(h, nodeLoad{nodeIndex: idx, count: currentCounts[idx]})
	}
	heap.Init(&h)

	units := groupUnits(devices)
	sort.Slice(units, func(i, j int) bool {
		return xxhash.Sum64String(units[i].key) < xxhash.Sum64String(units[j].key)
	})

	assignment := map[int][]string{}
	for _, u := range units {
		pick := heap.Pop(&h).(nodeLoad)
		assignment[pick.nodeIndex] = append(assignment[pick.nodeIndex], u.deviceIDs...)
		pick.count += len(u.deviceIDs)
		heap.Push(&h, pick)
	}
	return assignment
}

// ValidateNew checks a batch of devices against spec §3's id grammar and
// against devices already owned anywhere in the cluster (deviceIdMap),
// splitting them into accepted and rejected-with-reason.
func ValidateNew(devices []protocol.Device, deviceIDMap map[string]int) (accepted []protocol.Device, rejected map[string]error) {
	rejected = map[string]error{}
	seen := map[string]bool{}
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			rejected[d.ID] = err
			continue
		}
		if _, owned := deviceIDMap[d.ID]; owned {
			rejected[d.ID] = fmt.Errorf("device %s is already registered", d.ID)
			continue
		}
		if seen[d.ID] {
			rejected[d.ID] = fmt.Errorf("device %s is duplicated within this batch", d.ID)
			continue
		}
		seen[d.ID] = true
		accepted = append(accepted, d)
	}
	return accepted, rejected
}
