package replication

import (
	"time"

	"github.com/IvanBrykalov/quorumcache/vclock"
)

// Record is one stored version of a key on a replica. Concurrent versions
// (neither clock descends the other) are kept side by side as siblings.
type Record struct {
	Value     []byte       `json:"value,omitempty"`
	Deleted   bool         `json:"deleted,omitempty"`
	Version   uint64       `json:"version"`
	Clock     vclock.Clock `json:"clock,omitempty"`
	Timestamp int64        `json:"ts"` // UnixNano, wall clock of the coordinator
	Origin    string       `json:"origin"`
}

// newer reports whether r wins over o under last-write-wins: wall-clock
// timestamp first, then version, then origin id for a total order.
func (r Record) newer(o Record) bool {
	if r.Timestamp != o.Timestamp {
		return r.Timestamp > o.Timestamp
	}
	if r.Version != o.Version {
		return r.Version > o.Version
	}
	return r.Origin > o.Origin
}

func (r Record) same(o Record) bool {
	return r.Version == o.Version && r.Origin == o.Origin &&
		vclock.Compare(r.Clock, o.Clock) == vclock.Equal
}

// ProposeWrite asks a replica to store a version of Key. Repair marks a
// read-repair write, which causal replicas drop instead of buffering.
type ProposeWrite struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
	Repair bool   `json:"repair,omitempty"`
}

// WriteAck acknowledges a ProposeWrite or a HintedHandoff.
type WriteAck struct {
	ReplicaID string `json:"replica_id"`
	Applied   bool   `json:"applied"`            // visible to reads now
	Buffered  bool   `json:"buffered,omitempty"` // waiting for causal dependencies
	Hinted    bool   `json:"hinted,omitempty"`   // stored as a hint for another replica
}

type ReadRequest struct {
	Key string `json:"key"`
}

// ReadResponse carries every sibling a replica holds for the key.
type ReadResponse struct {
	ReplicaID string   `json:"replica_id"`
	Found     bool     `json:"found"`
	Records   []Record `json:"records,omitempty"`
}

// HintedHandoff is a write parked on a fallback replica on behalf of the
// unreachable IntendedReplica.
type HintedHandoff struct {
	HintID          string       `json:"hint_id"`
	Write           ProposeWrite `json:"write"`
	IntendedReplica string       `json:"intended_replica"`
	CreatedAt       time.Time    `json:"created_at"`
}

// HintsRequest lists hints held for Intended, oldest first.
type HintsRequest struct {
	Intended string `json:"intended"`
	Limit    int    `json:"limit"`
}

type HintsResponse struct {
	Hints []HintedHandoff `json:"hints"`
}

type DropHintRequest struct {
	HintID string `json:"hint_id"`
}

// Empty is the payload of requests and replies that carry nothing.
type Empty struct{}

// mergeRecord folds rec into a sibling set. Records whose clock rec
// descends are replaced; rec is discarded if an existing record already
// descends it. changed is false when the set is unchanged.
func mergeRecord(set []Record, rec Record) (out []Record, changed bool) {
	for _, cur := range set {
		switch vclock.Compare(cur.Clock, rec.Clock) {
		case vclock.After:
			return set, false
		case vclock.Equal:
			if cur.same(rec) || !rec.newer(cur) {
				return set, false
			}
		}
	}
	out = make([]Record, 0, len(set)+1)
	for _, cur := range set {
		switch vclock.Compare(rec.Clock, cur.Clock) {
		case vclock.After, vclock.Equal:
			continue
		}
		out = append(out, cur)
	}
	return append(out, rec), true
}

// maximal reduces records gathered from several replicas to the set of
// versions no other version supersedes.
func maximal(recs []Record) []Record {
	var set []Record
	for _, r := range recs {
		set, _ = mergeRecord(set, r)
	}
	return set
}

// winner picks the last-write-wins record of a sibling set.
func winner(set []Record) Record {
	w := set[0]
	for _, r := range set[1:] {
		if r.newer(w) {
			w = r
		}
	}
	return w
}

func contains(set []Record, rec Record) bool {
	for _, r := range set {
		if r.same(rec) {
			return true
		}
	}
	return false
}
