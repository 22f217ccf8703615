package tariff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raterudder/dersched/pkg/types"

	"gopkg.in/yaml.v3"
)

// Load reads a tariff from a YAML or JSON file, chosen by extension.
func Load(path string) (types.Tariff, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Tariff{}, fmt.Errorf("failed to read tariff %s: %w", path, err)
	}
	return Decode(raw, filepath.Ext(path))
}

// Decode parses a tariff document. ext selects the format (".json" or
// ".yaml"/".yml").
func Decode(raw []byte, ext string) (types.Tariff, error) {
	var t types.Tariff
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(raw, &t); err != nil {
			return types.Tariff{}, fmt.Errorf("%w: failed to decode tariff json: %v", types.ErrConfiguration, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return types.Tariff{}, fmt.Errorf("%w: failed to decode tariff yaml: %v", types.ErrConfiguration, err)
		}
	default:
		return types.Tariff{}, fmt.Errorf("%w: unsupported tariff format %s", types.ErrConfiguration, ext)
	}
	if err := t.Validate(); err != nil {
		return types.Tariff{}, err
	}
	return t, nil
}
