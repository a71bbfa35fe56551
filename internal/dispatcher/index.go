package dispatcher

import "dexrelay/internal/schema"

// subIndex maps filter tuples to the session ids holding them. Only the
// dispatcher loop touches it, so no locking is needed.
type subIndex struct {
	entries map[schema.Filter]map[string]struct{}
}

func newSubIndex() *subIndex {
	return &subIndex{entries: make(map[schema.Filter]map[string]struct{})}
}

// add inserts the session under the tuple. Idempotent; reports whether
// the entry was new.
func (x *subIndex) add(f schema.Filter, sessionID string) bool {
	ids := x.entries[f]
	if ids == nil {
		ids = make(map[string]struct{})
		x.entries[f] = ids
	}
	if _, ok := ids[sessionID]; ok {
		return false
	}
	ids[sessionID] = struct{}{}
	return true
}

// remove drops the session from the tuple. Removing a filter never held
// is a no-op.
func (x *subIndex) remove(f schema.Filter, sessionID string) {
	ids, ok := x.entries[f]
	if !ok {
		return
	}
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(x.entries, f)
	}
}

// removeSession drops the session from every tuple it holds.
func (x *subIndex) removeSession(sessionID string, filters map[schema.Filter]struct{}) {
	for f := range filters {
		x.remove(f, sessionID)
	}
}

// match returns the sessions subscribed to the event's tuple, including
// wildcard-kind subscribers.
func (x *subIndex) match(network string, dex schema.DexKind, kind schema.EventKind) []string {
	exact := x.entries[schema.Filter{Network: network, Dex: dex, Kind: kind}]
	wild := x.entries[schema.Filter{Network: network, Dex: dex, Kind: schema.KindAny}]
	if len(exact) == 0 && len(wild) == 0 {
		return nil
	}
	out := make([]string, 0, len(exact)+len(wild))
	for id := range exact {
		out = append(out, id)
	}
	for id := range wild {
		if _, dup := exact[id]; !dup {
			out = append(out, id)
		}
	}
	return out
}

// size counts (tuple, session) pairs.
func (x *subIndex) size() int {
	n := 0
	for _, ids := range x.entries {
		n += len(ids)
	}
	return n
}
