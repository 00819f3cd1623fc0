package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-rescon/rescon/resp"
)

// parseClusterShards turns a CLUSTER SHARDS reply into the Shard list and
// per-shard slot ranges SlotMap.Replace expects. Each element of the
// top-level array is a map/flat-array of alternating field name/value
// pairs: "slots" -> flat [start1,end1,start2,end2,...], "nodes" -> array
// of per-node maps with "id", "endpoint", "port", "role".
func parseClusterShards(v resp.Value) ([]Shard, map[string][][2]int, error) {
	entries := v.Array
	shards := make([]Shard, 0, len(entries))
	ranges := make(map[string][][2]int, len(entries))

	for _, entry := range entries {
		fields := flattenFields(entry)
		var shardRanges [][2]int
		if slots, ok := fields["slots"]; ok {
			nums := slots.Array
			for i := 0; i+1 < len(nums); i += 2 {
				shardRanges = append(shardRanges, [2]int{int(nums[i].Int), int(nums[i+1].Int)})
			}
		}

		nodesVal, ok := fields["nodes"]
		if !ok {
			continue
		}
		var members []Member
		var shardID string
		for _, node := range nodesVal.Array {
			nf := flattenFields(node)
			host := stringField(nf, "endpoint")
			port := stringField(nf, "port")
			addr := host
			if port != "" {
				addr = fmt.Sprintf("%s:%s", host, port)
			}
			role := RoleReplica
			if strings.EqualFold(stringField(nf, "role"), "master") {
				role = RoleMaster
				shardID = addr
			}
			members = append(members, Member{Addr: addr, Role: role})
		}
		if shardID == "" && len(members) > 0 {
			shardID = members[0].Addr
		}
		shards = append(shards, Shard{ID: shardID, Members: members})
		ranges[shardID] = shardRanges
	}
	return shards, ranges, nil
}

// flattenFields reads a RESP3 Map value, or a RESP2-style flat array of
// alternating key/value elements, into a name->value lookup.
func flattenFields(v resp.Value) map[string]resp.Value {
	out := map[string]resp.Value{}
	if v.Type == resp.MapType {
		for _, kv := range v.Map {
			out[string(kv.Key.Bytes)] = kv.Val
			if kv.Key.Str != "" {
				out[kv.Key.Str] = kv.Val
			}
		}
		return out
	}
	for i := 0; i+1 < len(v.Array); i += 2 {
		key := v.Array[i]
		name := key.Str
		if name == "" {
			name = string(key.Bytes)
		}
		out[name] = v.Array[i+1]
	}
	return out
}

func stringField(fields map[string]resp.Value, name string) string {
	v, ok := fields[name]
	if !ok {
		return ""
	}
	if v.Str != "" {
		return v.Str
	}
	if len(v.Bytes) > 0 {
		return string(v.Bytes)
	}
	if v.Type == resp.IntegerType {
		return strconv.FormatInt(v.Int, 10)
	}
	return ""
}

// parseClusterSlots turns a CLUSTER SLOTS reply into the same Shard list
// and slot-range map parseClusterShards produces, for servers that predate
// CLUSTER SHARDS. Each top-level element is [start, end, master, replica1,
// ...] where each node is [ip, port, id?, ...extra fields ignored].
func parseClusterSlots(v resp.Value) ([]Shard, map[string][][2]int, error) {
	entries := v.Array
	shards := make([]Shard, 0, len(entries))
	ranges := make(map[string][][2]int, len(entries))

	for _, entry := range entries {
		if len(entry.Array) < 3 {
			continue
		}
		start := int(entry.Array[0].Int)
		end := int(entry.Array[1].Int)

		var members []Member
		var shardID string
		for i, node := range entry.Array[2:] {
			if len(node.Array) < 2 {
				continue
			}
			addr := fmt.Sprintf("%s:%d", nodeString(node.Array[0]), node.Array[1].Int)
			role := RoleReplica
			if i == 0 {
				role = RoleMaster
				shardID = addr
			}
			members = append(members, Member{Addr: addr, Role: role})
		}
		if shardID == "" {
			continue
		}
		shards = append(shards, Shard{ID: shardID, Members: members})
		ranges[shardID] = append(ranges[shardID], [2]int{start, end})
	}
	return shards, ranges, nil
}

func nodeString(v resp.Value) string {
	if v.Str != "" {
		return v.Str
	}
	return string(v.Bytes)
}

// parseMovedAsk extracts slot and address from a MOVED/ASK error message
// of the form "<slot> <host>:<port>".
func parseMovedAsk(msg string) (int, string, error) {
	parts := strings.Fields(msg)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("cluster: malformed redirection message %q", msg)
	}
	slot, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("cluster: bad slot in redirection %q: %w", msg, err)
	}
	return slot, parts[1], nil
}
