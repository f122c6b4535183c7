package mesh

import (
	"fmt"
	"testing"

	"fiatjaf.com/nostr"
)

func TestSeenCachePrunedAtBound(t *testing.T) {
	t.Parallel()

	c := newSeenCache(64)
	total := 64 + 16
	var firstID nostr.ID
	for i := 0; i < total; i++ {
		id := nostr.MustIDFromHex(fmt.Sprintf("%064x", i+1))
		if i == 0 {
			firstID = id
		}
		if c.seen(id) {
			t.Fatalf("id should be new at insertion %d", i)
		}
	}
	if size := c.len(); size > 64 {
		t.Fatalf("seen cache exceeded bound: got %d max %d", size, 64)
	}
	// Oldest entry should have been evicted after exceeding bound.
	if c.seen(firstID) {
		t.Fatalf("expected oldest seen ID to be evicted and treated as new")
	}
	last := nostr.MustIDFromHex(fmt.Sprintf("%064x", total))
	if !c.seen(last) {
		t.Fatalf("expected most recent ID to be remembered")
	}
}
