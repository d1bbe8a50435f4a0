package installer

import (
	"path"
	"strings"
)

// ResourceType is the kind of an installable resource.
type ResourceType string

const (
	// ResourceTypeBundle is a binary bundle archive installed into the host.
	ResourceTypeBundle ResourceType = "bundle"

	// ResourceTypeConfig is a configuration dictionary installed into the host's config store.
	ResourceTypeConfig ResourceType = "config"
)

// Entity id prefixes.
const (
	bundleEntityPrefix = "bundle:"
	configEntityPrefix = "config:"
)

// configExtensions are the url suffixes that denote configuration files.
var configExtensions = []string{".cfg", ".properties"}

// EntityID returns the stable logical identity of a resource of the given type and name.
// It does not depend on where the resource came from.
func EntityID(typ ResourceType, name string) string {
	switch typ {
	case ResourceTypeConfig:
		return configEntityPrefix + name
	default:
		return bundleEntityPrefix + name
	}
}

// URLScheme returns the scheme prefix of url, the substring before the first colon.
// The scheme must be non-empty.
func URLScheme(url string) (string, error) {
	if url == "" {
		return "", InvalidResource(url, "url is empty")
	}
	idx := strings.IndexByte(url, ':')
	if idx < 0 {
		return "", InvalidResource(url, "url has no scheme")
	}
	if idx == 0 {
		return "", InvalidResource(url, "url scheme is empty")
	}
	return url[:idx], nil
}

// ConfigPID identifies a configuration in the host's config store.
// Factory configurations carry the factory pid and an alias.
type ConfigPID struct {
	PID        string `yaml:"pid"`
	FactoryPID string `yaml:"factoryPid,omitempty"`
}

// Composite returns "factoryPid.pid" for factory configurations, the pid otherwise.
func (p ConfigPID) Composite() string {
	if p.FactoryPID == "" {
		return p.PID
	}
	return p.FactoryPID + "." + p.PID
}

// String implements fmt.Stringer.
func (p ConfigPID) String() string {
	return p.Composite()
}

// configPIDFromURL derives a pid from the last path element of url, without
// its scheme or config extension. "a-b" denotes factory "a" with alias "b".
func configPIDFromURL(url, scheme string) ConfigPID {
	name := strings.TrimPrefix(url, scheme+":")
	name = path.Base(strings.TrimRight(name, "/"))
	for _, ext := range configExtensions {
		name = strings.TrimSuffix(name, ext)
	}
	return parseConfigPID(name)
}

func parseConfigPID(name string) ConfigPID {
	if idx := strings.IndexByte(name, '-'); idx > 0 && idx < len(name)-1 {
		return ConfigPID{FactoryPID: name[:idx], PID: name[idx+1:]}
	}
	return ConfigPID{PID: name}
}

func hasConfigExtension(url string) bool {
	for _, ext := range configExtensions {
		if strings.HasSuffix(url, ext) {
			return true
		}
	}
	return false
}
