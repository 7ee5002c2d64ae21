// Package presets holds named configurations that replace the defaults
// before the config file and flags are applied.
package presets

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spacemeshos/go-collab/config"
)

var presets = map[string]config.Config{}

func register(name string, preset config.Config) {
	if _, exist := presets[name]; exist {
		panic(fmt.Sprintf("preset with name %s already exists", name))
	}
	presets[name] = preset
}

// Options returns sorted names of registered presets.
func Options() []string {
	return slices.Sorted(maps.Keys(presets))
}

// Get returns a copy of the named preset.
func Get(name string) (config.Config, error) {
	preset, exist := presets[name]
	if !exist {
		return config.Config{}, fmt.Errorf("preset %s is not registered. select one from %+s", name, Options())
	}
	return preset, nil
}
