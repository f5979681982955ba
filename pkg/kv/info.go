package kv

import (
	"bufio"
	"strconv"
	"strings"
)

// HealthSnapshot is the operator-facing summary parsed from INFO output.
type HealthSnapshot struct {
	Role             string `json:"role"`
	KeyCount         int64  `json:"key_count"`
	UsedMemory       int64  `json:"used_memory_bytes"`
	UsedMemoryHuman  string `json:"used_memory_human,omitempty"`
	KeyspaceHits     int64  `json:"keyspace_hits"`
	KeyspaceMisses   int64  `json:"keyspace_misses"`
	EvictedKeys      int64  `json:"evicted_keys"`
	ExpiredKeys      int64  `json:"expired_keys"`
	ConnectedClients int64  `json:"connected_clients"`
	// ReplicationLag is the master offset minus the slowest replica offset,
	// in bytes. Zero when there are no replicas.
	ReplicationLag int64 `json:"replication_lag_bytes"`
}

// HitRate returns hits / (hits + misses), or 0 when there were no lookups.
func (h HealthSnapshot) HitRate() float64 {
	total := h.KeyspaceHits + h.KeyspaceMisses
	if total == 0 {
		return 0
	}
	return float64(h.KeyspaceHits) / float64(total)
}

// ParseInfo extracts the fields of HealthSnapshot from INFO text. Unknown
// or malformed lines are ignored.
func ParseInfo(text string) HealthSnapshot {
	var snap HealthSnapshot
	var masterOffset int64
	slaveOffsets := make([]int64, 0, 2)

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		switch {
		case name == "role":
			snap.Role = value
		case name == "used_memory":
			snap.UsedMemory = parseInt(value)
		case name == "used_memory_human":
			snap.UsedMemoryHuman = value
		case name == "keyspace_hits":
			snap.KeyspaceHits = parseInt(value)
		case name == "keyspace_misses":
			snap.KeyspaceMisses = parseInt(value)
		case name == "evicted_keys":
			snap.EvictedKeys = parseInt(value)
		case name == "expired_keys":
			snap.ExpiredKeys = parseInt(value)
		case name == "connected_clients":
			snap.ConnectedClients = parseInt(value)
		case name == "master_repl_offset":
			masterOffset = parseInt(value)
		case strings.HasPrefix(name, "slave") && isDigits(name[len("slave"):]):
			// slave0:ip=10.0.0.2,port=6379,state=online,offset=1234,lag=0
			for _, field := range strings.Split(value, ",") {
				k, v, ok := strings.Cut(field, "=")
				if ok && k == "offset" {
					slaveOffsets = append(slaveOffsets, parseInt(v))
				}
			}
		case strings.HasPrefix(name, "db") && isDigits(name[len("db"):]):
			// db0:keys=12,expires=3,avg_ttl=0
			for _, field := range strings.Split(value, ",") {
				k, v, ok := strings.Cut(field, "=")
				if ok && k == "keys" {
					snap.KeyCount += parseInt(v)
				}
			}
		}
	}

	for _, off := range slaveOffsets {
		if lag := masterOffset - off; lag > snap.ReplicationLag {
			snap.ReplicationLag = lag
		}
	}

	return snap
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
