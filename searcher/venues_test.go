package searcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeVenueConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadVenueConfig(t *testing.T) {
	file := writeVenueConfig(t, `
venues:
  - name: univ3
    kind: amm
    takerFeeBps: 30
    latencyClass: fast
  - name: aave
    kind: lending
    takerFeeBps: 0
  - name: compound
    kind: lending
    disabled: true
`)

	venues, err := LoadVenueConfig(file)
	require.NoError(t, err)

	require.True(t, venues.Known("univ3"))
	require.True(t, venues.Known("aave"))
	require.False(t, venues.Known("compound"))

	require.Equal(t, 0.003, venues.Fee("univ3"))
	require.Equal(t, 0.0, venues.Fee("aave"))
	// unknown venues fall back to the default taker fee
	require.Equal(t, DefaultTakerFeeBps/10000, venues.Fee("unknown"))
}

func TestLoadVenueConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "unknown kind",
			content: `
venues:
  - name: univ3
    kind: cex
`,
		},
		{
			name: "missing name",
			content: `
venues:
  - kind: amm
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadVenueConfig(writeVenueConfig(t, tt.content))
			require.ErrorIs(t, err, ErrInvalidVenue)
		})
	}
}

func TestLoadVenueConfigMissingFile(t *testing.T) {
	_, err := LoadVenueConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
