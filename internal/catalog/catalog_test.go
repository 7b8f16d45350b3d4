package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/pickup-eta/internal/model"
)

const sample = `
vendors:
  - id: VEN001
    items:
      - id: wrap
        name: Chicken Wrap
        base_prep_minutes: 6
        complexity: 2
      - id: latte
        name: Latte
        base_prep_minutes: 3
  - id: VEN002
    items:
      - id: bowl
        base_prep_minutes: 9
        complexity: 3
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"VEN001", "VEN002"}, c.Vendors())

	wrap, ok := c.Lookup("VEN001", "wrap")
	require.True(t, ok)
	assert.Equal(t, model.MenuItemFeatures{ItemID: "wrap", Name: "Chicken Wrap", BasePrepMinutes: 6, Complexity: 2, Quantity: 1}, wrap)

	_, ok = c.Lookup("VEN002", "wrap")
	assert.False(t, ok, "items are scoped to their vendor")

	items := c.Items("VEN001")
	require.Len(t, items, 2)
	assert.Equal(t, "latte", items[0].ItemID)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"vendor without id", "vendors:\n  - items: []\n"},
		{"item without id", "vendors:\n  - id: V\n    items:\n      - name: x\n"},
		{"negative prep", "vendors:\n  - id: V\n    items:\n      - id: a\n        base_prep_minutes: -2\n"},
		{"not yaml", "vendors: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	_, ok := c.Lookup("VEN002", "bowl")
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
