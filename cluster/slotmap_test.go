package cluster

import "testing"

func TestSlotMapLookup(t *testing.T) {
	m := NewSlotMap()
	m.Replace(
		[]Shard{
			{ID: "10.0.0.1:6379", Members: []Member{{Addr: "10.0.0.1:6379", Role: RoleMaster}}},
			{ID: "10.0.0.2:6379", Members: []Member{{Addr: "10.0.0.2:6379", Role: RoleMaster}}},
		},
		map[string][][2]int{
			"10.0.0.1:6379": {{0, 8191}},
			"10.0.0.2:6379": {{8192, 16383}},
		},
	)

	sh, ok := m.Lookup(0)
	if !ok || sh.ID != "10.0.0.1:6379" {
		t.Fatalf("expected slot 0 on shard 1, got %+v ok=%v", sh, ok)
	}
	sh, ok = m.Lookup(8192)
	if !ok || sh.ID != "10.0.0.2:6379" {
		t.Fatalf("expected slot 8192 on shard 2, got %+v ok=%v", sh, ok)
	}
	if _, ok := m.Lookup(16384); ok {
		t.Fatal("expected out-of-range slot to miss")
	}
}

func TestSlotMapReassignSlot(t *testing.T) {
	m := NewSlotMap()
	m.Replace(
		[]Shard{{ID: "a", Members: []Member{{Addr: "a", Role: RoleMaster}}}},
		map[string][][2]int{"a": {{0, 16383}}},
	)

	m.ReassignSlot(866, "b:6379")

	sh, ok := m.Lookup(866)
	if !ok || sh.ID != "b:6379" {
		t.Fatalf("expected slot 866 reassigned to b:6379, got %+v", sh)
	}
	sh, ok = m.Lookup(865)
	if !ok || sh.ID != "a" {
		t.Fatalf("expected slot 865 to remain on shard a, got %+v", sh)
	}
	sh, ok = m.Lookup(867)
	if !ok || sh.ID != "a" {
		t.Fatalf("expected slot 867 to remain on shard a, got %+v", sh)
	}
}
