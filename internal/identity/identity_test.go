package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringAndParse(t *testing.T) {
	id := New(12, 34)
	assert.Equal(t, "12-34", id.String())
	assert.True(t, id.Valid())

	got, err := Parse("12-34")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "12", "a-1", "1-b", "0-5", "5-0"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
	assert.False(t, Identity{}.Valid())
}
