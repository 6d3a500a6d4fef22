// ABOUTME: Tests for the inbound redelivery cache
// ABOUTME: Verifies duplicate detection, TTL expiry, and size-bounded eviction

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SeenMarksAndDetects(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	key := Key("sms-1", "provider-msg-42")
	assert.False(t, c.Seen(key), "first sighting is not a duplicate")
	assert.True(t, c.Seen(key), "second sighting is")
	assert.False(t, c.Seen(Key("sms-1", "provider-msg-43")))
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(30*time.Millisecond, 100)
	defer c.Close()

	key := Key("sms-1", "x")
	assert.False(t, c.Seen(key))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.Seen(key), "expired entries are not duplicates")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Seen(Key("ch", fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, 3, c.Len())

	// A fourth entry pushes out the oldest.
	c.Seen(Key("ch", "m3"))
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen(Key("ch", "m0")), "oldest entry was evicted")
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, func() { c.Close() })
}
