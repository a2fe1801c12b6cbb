package chatsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPresenceTracker(t *testing.T) {
	m := NewMetrics(nil)
	p := NewPresenceTracker(m)

	p.ReplaceAll([]string{"b", "a", "", "a"})
	assert.Equal(t, []string{"a", "b"}, p.Online())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OnlinePeers))

	p.Add("c")
	p.Add("c")
	p.Add("")
	assert.True(t, p.IsOnline("c"))
	assert.Len(t, p.Online(), 3)

	p.Remove("a")
	p.Remove("never-seen")
	assert.False(t, p.IsOnline("a"))
	assert.Equal(t, []string{"b", "c"}, p.Online())

	p.ReplaceAll([]string{"z"})
	assert.Equal(t, []string{"z"}, p.Online(), "snapshot replaces, never unions")

	p.Clear()
	assert.Empty(t, p.Online())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OnlinePeers))
}

func TestPresenceTrackerWithoutMetrics(t *testing.T) {
	p := NewPresenceTracker(nil)
	p.Add("a")
	p.Clear()
	assert.False(t, p.IsOnline("a"))
}
