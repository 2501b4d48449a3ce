package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyFilter(t *testing.T) {
	filter, err := NewKeyFilter([]string{"N-*", "M-*"}, []string{"N-TEST-*"})
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Len(t, filter.includeGlobs, 2)
	assert.Len(t, filter.excludeGlobs, 1)
}

func TestNewKeyFilterEmptyPatterns(t *testing.T) {
	// Empty patterns should match everything
	filter, err := NewKeyFilter(nil, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("N-1"))
	assert.True(t, filter.Match("anything"))
	assert.True(t, filter.Match(""))
}

func TestKeyFilterMatching(t *testing.T) {
	filter, err := NewKeyFilter([]string{"N-*", "AMD-?"}, []string{"N-TEST-*"})
	require.NoError(t, err)

	tests := []struct {
		key  string
		want bool
	}{
		{"N-1", true},
		{"N-100", true},
		{"AMD-7", true},
		{"AMD-77", false},
		{"X-1", false},
		{"N-TEST-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, filter.Match(tt.key))
		})
	}
}

func TestKeyFilterExcludeOnly(t *testing.T) {
	filter, err := NewKeyFilter(nil, []string{"*-DRAFT"})
	require.NoError(t, err)

	assert.True(t, filter.Match("N-1"))
	assert.False(t, filter.Match("N-1-DRAFT"))
}

func TestKeyFilterCharacterClass(t *testing.T) {
	filter, err := NewKeyFilter([]string{"N-[0-9]*"}, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("N-1"))
	assert.True(t, filter.Match("N-9abc"))
	assert.False(t, filter.Match("N-a1"))
}

func TestNewKeyFilterInvalidPattern(t *testing.T) {
	_, err := NewKeyFilter([]string{"[invalid"}, nil)
	assert.Error(t, err)

	_, err = NewKeyFilter(nil, []string{"[invalid"})
	assert.Error(t, err)
}

func TestKeyFilterImplementsFilter(t *testing.T) {
	var _ Filter = (*KeyFilter)(nil)
}
