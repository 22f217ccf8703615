package tariff

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/raterudder/dersched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlTariff = `
name: e-tou
seasons:
  summer: [6, 7, 8, 9]
  winter: [1, 2, 3, 4, 5, 10, 11, 12]
energyRates:
  summer: {0: 0.2, 1: 0.2, 2: 0.2, 3: 0.2, 4: 0.2, 5: 0.2, 6: 0.2, 7: 0.2, 8: 0.2, 9: 0.2, 10: 0.2, 11: 0.2, 12: 0.2, 13: 0.2, 14: 0.2, 15: 0.2, 16: 0.4, 17: 0.4, 18: 0.4, 19: 0.4, 20: 0.4, 21: 0.2, 22: 0.2, 23: 0.2}
  winter: {0: 0.1, 1: 0.1, 2: 0.1, 3: 0.1, 4: 0.1, 5: 0.1, 6: 0.1, 7: 0.1, 8: 0.1, 9: 0.1, 10: 0.1, 11: 0.1, 12: 0.1, 13: 0.1, 14: 0.1, 15: 0.1, 16: 0.3, 17: 0.3, 18: 0.3, 19: 0.3, 20: 0.3, 21: 0.1, 22: 0.1, 23: 0.1}
monthlyDemand:
  summer:
    17: [{label: peak, rate: 12.5}]
nem:
  enabled: true
  version: 2
  nonBypassable: 0.025
scaling:
  demand: 0.5
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("YAML", func(t *testing.T) {
		path := filepath.Join(dir, "tariff.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yamlTariff), 0o644))
		tf, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "e-tou", tf.Name)
		assert.Equal(t, 0.4, tf.EnergyRates["summer"][17])
		assert.Equal(t, []types.DemandRate{{Label: "peak", Rate: 12.5}}, tf.MonthlyDemand["summer"][17])
		require.NotNil(t, tf.NEM)
		assert.Equal(t, 2, tf.NEM.Version)
		assert.Nil(t, tf.Tiers, "missing sections stay disabled")
		assert.Nil(t, tf.Scaling.Overall)
		assert.Equal(t, 0.5, tf.Scaling.DemandFactor())
		assert.Equal(t, 1.0, tf.Scaling.EnergyFactor())
	})

	t.Run("JSON", func(t *testing.T) {
		path := filepath.Join(dir, "tariff.json")
		raw := `{"name":"flat","seasons":{"all":[1,2,3,4,5,6,7,8,9,10,11,12]},"energyRates":{"all":{"0":0.1}}}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
		tf, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 0.1, tf.EnergyRates["all"][0])
	})

	t.Run("Invalid Seasons", func(t *testing.T) {
		_, err := Decode([]byte("seasons:\n  a: [1, 2]\n"), ".yaml")
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("Unknown Extension", func(t *testing.T) {
		_, err := Decode([]byte(""), ".toml")
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})
}
