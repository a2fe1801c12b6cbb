package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanEditOrDelete(t *testing.T) {
	m := msg("m1", "c1", "me", t0)

	tests := []struct {
		name string
		m    *Message
		user string
		now  time.Time
		want bool
	}{
		{"sender inside window", &m, "me", t0.Add(time.Minute), true},
		{"exactly at window end", &m, "me", t0.Add(EditWindow), true},
		{"just past window", &m, "me", t0.Add(EditWindow + time.Second), false},
		{"other user", &m, "someone", t0.Add(time.Minute), false},
		{"no user", &m, "", t0, false},
		{"nil message", nil, "me", t0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanEditOrDelete(tt.m, tt.user, tt.now))
		})
	}

	t.Run("deleted message", func(t *testing.T) {
		d := m.Clone()
		d.IsDeleted = true
		assert.False(t, CanEditOrDelete(&d, "me", t0))
	})

	t.Run("window is 300 seconds", func(t *testing.T) {
		assert.Equal(t, 300*time.Second, EditWindow)
	})
}

func TestCanReact(t *testing.T) {
	m := msg("m1", "c1", "someone", t0)
	assert.True(t, CanReact(&m))
	m.IsDeleted = true
	assert.False(t, CanReact(&m))
	assert.False(t, CanReact(nil))
}

func TestEditWindowRemaining(t *testing.T) {
	m := msg("m1", "c1", "me", t0)
	assert.Equal(t, 4*time.Minute, EditWindowRemaining(&m, t0.Add(time.Minute)))
	assert.Equal(t, time.Duration(0), EditWindowRemaining(&m, t0.Add(time.Hour)))
}
