package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ClientID identifies one replica of a document. It is chosen at random per session.
type ClientID uint64

// NewClientID returns a random client id.
func NewClientID() ClientID {
	u := uuid.New()
	id := ClientID(binary.BigEndian.Uint64(u[:8]))
	if id == 0 {
		id = 1
	}
	return id
}

// ID identifies an operation and, for inserts, the item it created.
// Clock is the per-client counter, starting at 1. The zero ID is the sequence head.
type ID struct {
	Client ClientID
	Clock  uint64
}

// IsZero reports whether id is the sequence head.
func (id ID) IsZero() bool { return id.Client == 0 && id.Clock == 0 }

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// Stamp orders concurrent writes: higher Lamport wins, ties broken by client id.
// Two different ops never share a stamp.
type Stamp struct {
	Lamport uint64
	Client  ClientID
}

// Less reports whether s loses against o.
func (s Stamp) Less(o Stamp) bool {
	if s.Lamport != o.Lamport {
		return s.Lamport < o.Lamport
	}
	return s.Client < o.Client
}

// StateVector maps each client to the highest contiguous clock a replica has applied.
type StateVector map[ClientID]uint64

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, n := range sv {
		out[c] = n
	}
	return out
}

// Covers reports whether sv has seen every op that o has seen.
func (sv StateVector) Covers(o StateVector) bool {
	for c, n := range o {
		if sv[c] < n {
			return false
		}
	}
	return true
}

// clients returns the client ids in ascending order.
func (sv StateVector) clients() []ClientID {
	ids := make([]ClientID, 0, len(sv))
	for c := range sv {
		ids = append(ids, c)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
