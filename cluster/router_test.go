package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-rescon/rescon/resp"
)

// fakeShard is an in-memory ShardConn stand-in used to exercise Router's
// split/merge and redirection logic without a real server. redirectOnce, if
// set, is returned verbatim as an error reply exactly once per command name
// before falling through to normal handling, letting tests exercise
// MOVED/ASK/TRYAGAIN/CLUSTERDOWN without a real server.
type fakeShard struct {
	store map[string]string

	mu          sync.Mutex
	redirectOnce map[string]string
}

func (f *fakeShard) Submit(ctx context.Context, cmd resp.Command) (resp.Value, error) {
	f.mu.Lock()
	if f.redirectOnce != nil {
		if kind, ok := f.redirectOnce[cmd.Name]; ok {
			delete(f.redirectOnce, cmd.Name)
			f.mu.Unlock()
			parts := strings.SplitN(kind, " ", 2)
			msg := kind
			if len(parts) == 2 {
				msg = parts[1]
			}
			return resp.Value{Type: resp.ErrorType, ErrKind: parts[0], ErrMsg: msg, Str: kind}, nil
		}
	}
	f.mu.Unlock()

	switch cmd.Name {
	case "MGET":
		var out []resp.Value
		for _, a := range cmd.Args {
			if v, ok := f.store[string(a.Bytes())]; ok {
				out = append(out, resp.Value{Type: resp.BulkStringType, Bytes: []byte(v)})
			} else {
				out = append(out, resp.Value{Type: resp.NilType})
			}
		}
		return resp.Value{Type: resp.ArrayType, Array: out}, nil
	case "DEL":
		var n int64
		for _, a := range cmd.Args {
			if _, ok := f.store[string(a.Bytes())]; ok {
				delete(f.store, string(a.Bytes()))
				n++
			}
		}
		return resp.Value{Type: resp.IntegerType, Int: n}, nil
	case "GET":
		if v, ok := f.store[string(cmd.Args[0].Bytes())]; ok {
			return resp.Value{Type: resp.BulkStringType, Bytes: []byte(v)}, nil
		}
		return resp.Value{Type: resp.NilType}, nil
	case "ASKING", "READONLY":
		return resp.Value{Type: resp.SimpleString, Str: "OK"}, nil
	case "CLUSTER":
		return resp.Value{Type: resp.ArrayType}, nil
	}
	return resp.Value{}, nil
}

func newTestRouter(t *testing.T, shards map[string]*fakeShard) *Router {
	return newTestRouterOpts(t, shards, RouterOptions{})
}

func newTestRouterOpts(t *testing.T, shards map[string]*fakeShard, opts RouterOptions) *Router {
	t.Helper()
	r, err := NewRouter(nil, func(addr string) (ShardConn, error) {
		return shards[addr], nil
	}, 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	var shardList []Shard
	ranges := map[string][][2]int{}
	for addr := range shards {
		shardList = append(shardList, Shard{ID: addr, Members: []Member{{Addr: addr, Role: RoleMaster}}})
	}
	// Deterministic split: shard "a" owns [0,8191], shard "b" the rest.
	if _, ok := shards["a"]; ok {
		ranges["a"] = [][2]int{{0, 8191}}
	}
	if _, ok := shards["b"]; ok {
		ranges["b"] = [][2]int{{8192, 16383}}
	}
	r.slots.Replace(shardList, ranges)
	return r
}

func TestRouterDispatchSingleShard(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{"{x}1": "v1", "{x}2": "v2"}},
	}
	r := newTestRouter(t, shards)
	defer r.Close()

	cmd := resp.Command{Name: "MGET", Args: []resp.BulkString{resp.Str("{x}1"), resp.Str("{x}2")}, KeySpan: []int{0, 1}}
	v, _, err := r.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Array) != 2 || string(v.Array[0].Bytes) != "v1" || string(v.Array[1].Bytes) != "v2" {
		t.Fatalf("unexpected result: %+v", v)
	}
}

func TestRouterDispatchSplitMGET(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{"lowkey": "low"}},
		"b": {store: map[string]string{"highkey": "high"}},
	}
	r := newTestRouter(t, shards)
	defer r.Close()

	// KeySlot("lowkey") and KeySlot("highkey") must land in different
	// halves of the slot space for this test to exercise the split path;
	// pick keys and verify rather than assume.
	loSlot := KeySlot([]byte("lowkey"))
	hiSlot := KeySlot([]byte("highkey"))
	if (loSlot <= 8191) == (hiSlot <= 8191) {
		t.Skip("chosen keys hash to the same half; not exercising split path")
	}

	cmd := resp.Command{
		Name:    "MGET",
		Args:    []resp.BulkString{resp.Str("lowkey"), resp.Str("highkey")},
		KeySpan: []int{0, 1},
	}
	v, _, err := r.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Array) != 2 {
		t.Fatalf("expected 2 results, got %+v", v)
	}
	if string(v.Array[0].Bytes) != "low" || string(v.Array[1].Bytes) != "high" {
		t.Fatalf("expected merged results in input order, got %+v", v)
	}
}

func TestRouterCrossSlotRejectsUnsafeCommand(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{}},
		"b": {store: map[string]string{}},
	}
	r := newTestRouter(t, shards)
	defer r.Close()

	loSlot := KeySlot([]byte("lowkey"))
	hiSlot := KeySlot([]byte("highkey"))
	if (loSlot <= 8191) == (hiSlot <= 8191) {
		t.Skip("chosen keys hash to the same half; not exercising cross-slot path")
	}

	cmd := resp.Command{
		Name:    "LMPOP",
		Args:    []resp.BulkString{resp.Str("lowkey"), resp.Str("highkey")},
		KeySpan: []int{0, 1},
	}
	if _, _, err := r.Dispatch(context.Background(), cmd); err == nil {
		t.Fatal("expected CrossSlot error for unsafe command spanning shards")
	}
}

func TestRouterMovedRedirectionAccumulatesReason(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{}, redirectOnce: map[string]string{"GET": "MOVED 0 b"}},
		"b": {store: map[string]string{"k": "v"}},
	}
	r := newTestRouterOpts(t, shards, RouterOptions{})
	defer r.Close()
	// Force the whole slot space onto "a" so the initial attempt always
	// hits its redirectOnce entry regardless of KeySlot("k")'s value; the
	// MOVED reply then hands the key over to "b" via ReassignSlot.
	r.slots.Replace([]Shard{{ID: "a", Members: []Member{{Addr: "a", Role: RoleMaster}}}}, map[string][][2]int{
		"a": {{0, 16383}},
	})

	cmd := resp.Command{Name: "GET", Args: []resp.BulkString{resp.Str("k")}, KeySpan: []int{0}}
	v, reasons, err := r.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Bytes) != "v" {
		t.Fatalf("expected redirected GET to resolve against shard b, got %+v", v)
	}
	if len(reasons) != 1 || reasons[0].Kind != resp.ReasonMoved || reasons[0].Addr != "b" {
		t.Fatalf("expected one Moved reason targeting b, got %+v", reasons)
	}
}

func TestRouterTooManyRetries(t *testing.T) {
	r := newTestRouterOpts(t, map[string]*fakeShard{}, RouterOptions{MaxRetries: 2})
	defer r.Close()

	cmd := resp.Command{Name: "GET", Args: []resp.BulkString{resp.Str("k")}, KeySpan: []int{0}}
	_, reasons, err := r.dispatchToShard(context.Background(), alwaysTryAgain{}, cmd, nil)
	var tmr *TooManyRetriesError
	if !errors.As(err, &tmr) {
		t.Fatalf("expected TooManyRetriesError, got %v", err)
	}
	if len(reasons) <= 2 {
		t.Fatalf("expected reasons to exceed the configured bound of 2, got %d", len(reasons))
	}
}

// alwaysTryAgain is a ShardConn that always answers TRYAGAIN, used to drive
// dispatchToShard past its retry bound deterministically.
type alwaysTryAgain struct{}

func (alwaysTryAgain) Submit(ctx context.Context, cmd resp.Command) (resp.Value, error) {
	return resp.Value{Type: resp.ErrorType, ErrKind: "TRYAGAIN", ErrMsg: ""}, nil
}

func TestRouterClusterDownWaitsBeforeRetry(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{"k": "v"}, redirectOnce: map[string]string{"GET": "CLUSTERDOWN The cluster is down"}},
	}
	r := newTestRouterOpts(t, shards, RouterOptions{ClusterDownWait: 30 * time.Millisecond})
	defer r.Close()
	r.seeds = []string{"a"}
	r.slots.Replace([]Shard{{ID: "a", Members: []Member{{Addr: "a", Role: RoleMaster}}}}, map[string][][2]int{
		"a": {{0, 16383}},
	})

	cmd := resp.Command{Name: "GET", Args: []resp.BulkString{resp.Str("k")}, KeySpan: []int{0}}
	start := time.Now()
	v, reasons, err := r.Dispatch(context.Background(), cmd)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Bytes) != "v" {
		t.Fatalf("expected GET to resolve after refresh, got %+v", v)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected Dispatch to honor the configured cluster-down wait, took %v", elapsed)
	}
	if len(reasons) != 1 || reasons[0].Kind != resp.ReasonClusterDown {
		t.Fatalf("expected one ClusterDown reason, got %+v", reasons)
	}
}

func TestRouterNotifiesOnTopologyChanged(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{}, redirectOnce: map[string]string{"GET": "MOVED 0 a"}},
	}
	var notified int
	r := newTestRouterOpts(t, shards, RouterOptions{
		OnTopologyChanged: func() { notified++ },
	})
	defer r.Close()
	r.slots.Replace([]Shard{{ID: "a", Members: []Member{{Addr: "a", Role: RoleMaster}}}}, map[string][][2]int{
		"a": {{0, 16383}},
	})

	cmd := resp.Command{Name: "GET", Args: []resp.BulkString{resp.Str("k")}, KeySpan: []int{0}}
	if _, _, err := r.Dispatch(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	if notified == 0 {
		t.Fatal("expected OnTopologyChanged to fire after a MOVED-driven ReassignSlot")
	}
}

func TestRouterDispatchReadOnlyRoutesToReplica(t *testing.T) {
	shards := map[string]*fakeShard{
		"a":       {store: map[string]string{"k": "master-value"}},
		"a-repl1": {store: map[string]string{"k": "replica-value"}},
	}
	r := newTestRouterOpts(t, shards, RouterOptions{ReadFromReplicas: true})
	defer r.Close()
	r.slots.Replace([]Shard{{ID: "a", Members: []Member{
		{Addr: "a", Role: RoleMaster},
		{Addr: "a-repl1", Role: RoleReplica},
	}}}, map[string][][2]int{"a": {{0, 16383}}})

	cmd := resp.Command{Name: "GET", Args: []resp.BulkString{resp.Str("k")}, KeySpan: []int{0}}
	v, _, err := r.DispatchReadOnly(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Bytes) != "replica-value" {
		t.Fatalf("expected DispatchReadOnly to read from the replica, got %+v", v)
	}
}

func TestRouterDispatchReadOnlyFallsBackWithoutReplica(t *testing.T) {
	shards := map[string]*fakeShard{
		"a": {store: map[string]string{"k": "master-value"}},
	}
	r := newTestRouterOpts(t, shards, RouterOptions{ReadFromReplicas: true})
	defer r.Close()
	r.slots.Replace([]Shard{{ID: "a", Members: []Member{{Addr: "a", Role: RoleMaster}}}}, map[string][][2]int{
		"a": {{0, 16383}},
	})

	cmd := resp.Command{Name: "GET", Args: []resp.BulkString{resp.Str("k")}, KeySpan: []int{0}}
	v, _, err := r.DispatchReadOnly(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Bytes) != "master-value" {
		t.Fatalf("expected fallback to the master when no replica exists, got %+v", v)
	}
}
