package relay

import (
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// PresenceCache remembers the last awareness payload of each connected client so
// late joiners see who is already there. Entries expire when a client stops
// refreshing them.
type PresenceCache struct {
	c *gocache.Cache
}

// NewPresenceCache creates a cache whose entries live for ttl.
func NewPresenceCache(ttl time.Duration) *PresenceCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PresenceCache{c: gocache.New(ttl, ttl)}
}

func presenceKey(diagramID, clientID string) string {
	return diagramID + "/" + clientID
}

// Set stores payload for the client.
func (p *PresenceCache) Set(diagramID, clientID string, payload []byte) {
	p.c.SetDefault(presenceKey(diagramID, clientID), append([]byte(nil), payload...))
}

// Delete forgets the client.
func (p *PresenceCache) Delete(diagramID, clientID string) {
	p.c.Delete(presenceKey(diagramID, clientID))
}

// PresenceEntry is a cached awareness payload.
type PresenceEntry struct {
	ClientID string
	Payload  []byte
}

// List returns the live entries of a diagram ordered by client id.
func (p *PresenceCache) List(diagramID string) []PresenceEntry {
	prefix := diagramID + "/"
	var out []PresenceEntry
	for k, it := range p.c.Items() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		b, _ := it.Object.([]byte)
		out = append(out, PresenceEntry{ClientID: strings.TrimPrefix(k, prefix), Payload: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
