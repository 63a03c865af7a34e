package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULIDIsMonotonic(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNewRoomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := NewRoomID()
		require.NoError(t, err)
		assert.Len(t, id, 7)
		assert.Regexp(t, "^[a-zA-Z0-9]+$", id)
		seen[id] = true
	}
	// 50回でIDが衝突するようなら生成器が壊れている
	assert.Greater(t, len(seen), 45)
}

func TestNewJoinCode(t *testing.T) {
	code, err := NewJoinCode()
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Regexp(t, "^[a-zA-Z0-9]+$", code)
}
