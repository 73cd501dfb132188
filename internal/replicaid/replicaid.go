// Package replicaid implements the one election rule shared by the
// Replication Manager in both replication disciplines: the lowest
// priority-numbered replica in the active set wins, and S1 always beats
// S2 which always beats S3 (spec §3, §4.4).
package replicaid

// Priority lists replica identifiers from highest to lowest election
// priority. S1 has priority in every tie-break.
var Priority = []string{"S1", "S2", "S3"}

// Elect returns the highest-priority identifier present in active, and
// true if the active set was non-empty. With the fixed three-replica
// membership this module targets, any identifier outside Priority is
// never preferred over a recognized one, but is still returned as a
// fallback so an unexpected identifier doesn't silently elect nobody.
func Elect(active map[string]struct{}) (string, bool) {
	for _, id := range Priority {
		if _, ok := active[id]; ok {
			return id, true
		}
	}
	for id := range active {
		return id, true
	}
	return "", false
}

// LFDFor maps a server identifier to the identifier of the LFD that
// fronts it, per spec §4.3's "LFD<suffix of server_id>" routing rule.
func LFDFor(serverID string) string {
	if len(serverID) < 2 {
		return "LFD"
	}
	return "LFD" + serverID[1:]
}
