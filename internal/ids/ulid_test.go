package ids

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for range 1000 {
		next := New()
		require.Equal(t, 1, next.Compare(prev))
		prev = next
	}
}

func TestNewStringParses(t *testing.T) {
	s := NewString()

	assert.Len(t, s, ulid.EncodedSize)
	_, err := ulid.ParseStrict(s)
	assert.NoError(t, err)
}
