package cluster

import (
	"sync/atomic"

	"github.com/tidwall/btree"
)

// Role distinguishes a shard member's replication role.
type Role uint8

const (
	RoleMaster Role = iota
	RoleReplica
)

// Member is one node serving a shard.
type Member struct {
	Addr string
	Role Role
}

// Shard groups the master and its replicas under one shard id (the master
// address, which is stable across slot migrations for the same shard).
type Shard struct {
	ID      string
	Members []Member
}

func (s Shard) Master() (Member, bool) {
	for _, m := range s.Members {
		if m.Role == RoleMaster {
			return m, true
		}
	}
	return Member{}, false
}

// slotRange is one contiguous [Start,End] span owned by a shard, the same
// shape CLUSTER SHARDS reports. The tree is ordered by Start so a lookup
// for a given slot is a single Descend call to the first range whose Start
// is <= slot, checked against End.
type slotRange struct {
	Start, End int
	ShardID    string
}

func lessRange(a, b slotRange) bool { return a.Start < b.Start }

// SlotMap is a copy-on-write, atomically replaceable 16384-slot routing
// table, per spec.md §3. It is read-mostly: lookups never block behind a
// topology refresh, and a refresh swaps in a whole new map rather than
// mutating the live one, mirroring the teacher's copy-before-share
// discipline for its pub/sub subscription tree.
type SlotMap struct {
	ptr atomic.Pointer[slotMapData]
}

type slotMapData struct {
	ranges *btree.BTreeG[slotRange]
	shards map[string]Shard
}

// NewSlotMap builds an empty map; Replace must be called before Lookup is
// meaningful.
func NewSlotMap() *SlotMap {
	m := &SlotMap{}
	m.ptr.Store(&slotMapData{ranges: btree.NewBTreeG(lessRange), shards: map[string]Shard{}})
	return m
}

// Replace atomically installs a freshly built topology, as produced by
// parsing a CLUSTER SHARDS (or CLUSTER SLOTS) reply.
func (m *SlotMap) Replace(shards []Shard, ranges map[string][][2]int) {
	data := &slotMapData{ranges: btree.NewBTreeG(lessRange), shards: make(map[string]Shard, len(shards))}
	for _, sh := range shards {
		data.shards[sh.ID] = sh
		for _, r := range ranges[sh.ID] {
			data.ranges.Set(slotRange{Start: r[0], End: r[1], ShardID: sh.ID})
		}
	}
	m.ptr.Store(data)
}

// Lookup returns the shard owning slot, if any.
func (m *SlotMap) Lookup(slot int) (Shard, bool) {
	data := m.ptr.Load()
	var found slotRange
	ok := false
	data.ranges.Descend(slotRange{Start: slot, End: slotCount}, func(item slotRange) bool {
		if item.Start <= slot && slot <= item.End {
			found = item
			ok = true
		}
		return false
	})
	if !ok {
		return Shard{}, false
	}
	sh, present := data.shards[found.ShardID]
	return sh, present
}

// ReassignSlot updates a single slot's ownership in response to a MOVED
// redirection, adding a shard entry for addr if one doesn't already exist.
// This is a targeted, non-atomic patch layered on top of the last full
// Replace, acceptable because MOVED handling is expected to be rare and
// self-correcting on the next full topology refresh.
func (m *SlotMap) ReassignSlot(slot int, addr string) {
	data := m.ptr.Load()
	next := &slotMapData{ranges: btree.NewBTreeG(lessRange), shards: make(map[string]Shard, len(data.shards))}
	for k, v := range data.shards {
		next.shards[k] = v
	}
	data.ranges.Scan(func(item slotRange) bool {
		if item.Start <= slot && slot <= item.End {
			if item.Start < slot {
				next.ranges.Set(slotRange{Start: item.Start, End: slot - 1, ShardID: item.ShardID})
			}
			if slot < item.End {
				next.ranges.Set(slotRange{Start: slot + 1, End: item.End, ShardID: item.ShardID})
			}
		} else {
			next.ranges.Set(item)
		}
		return true
	})
	next.ranges.Set(slotRange{Start: slot, End: slot, ShardID: addr})
	if _, ok := next.shards[addr]; !ok {
		next.shards[addr] = Shard{ID: addr, Members: []Member{{Addr: addr, Role: RoleMaster}}}
	}
	m.ptr.Store(next)
}

// Shards returns a snapshot of all known shards.
func (m *SlotMap) Shards() []Shard {
	data := m.ptr.Load()
	out := make([]Shard, 0, len(data.shards))
	for _, sh := range data.shards {
		out = append(out, sh)
	}
	return out
}
