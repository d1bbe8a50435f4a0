package installer

import (
	"fmt"
	"io"

	"github.com/magiconair/properties"
)

// parseConfigFile reads a .properties or .cfg file into a Dictionary.
// Values stay strings; ${} references are not expanded.
func parseConfigFile(r io.Reader) (Dictionary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config data: %w", err)
	}
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	dict := make(Dictionary, p.Len())
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		dict[k] = v
	}
	return dict, nil
}
