package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Dictionary is the key-value payload of a configuration resource.
type Dictionary map[string]any

// Clone returns a shallow copy of d.
func (d Dictionary) Clone() Dictionary {
	if d == nil {
		return nil
	}
	out := make(Dictionary, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys the installer adds to or the host assigns on configurations.
const (
	// ServicePIDKey is assigned by the host's config store.
	ServicePIDKey = "service.pid"

	// ConfigPathKey records the url a configuration was installed from.
	ConfigPathKey = "_installer_config_path"

	// AliasKey records the alias of a factory configuration.
	AliasKey = "_alias_factory_pid"
)

// IgnoredConfigKeys are skipped when comparing configuration data.
var IgnoredConfigKeys = []string{ServicePIDKey, ConfigPathKey, AliasKey}

// ComputeDictionaryDigest returns a sha256 digest over the entries of dict,
// sorted by key, excluding ignoredKeys. The result does not depend on map
// iteration or insertion order. Values are hashed in their yaml encoding, so
// a value keeps its digest after a round trip through a yaml-backed store.
func ComputeDictionaryDigest(dict Dictionary, ignoredKeys []string) (string, error) {
	if dict == nil {
		return "", InvalidResource("", "cannot compute digest of a nil dictionary")
	}
	ignored := make(map[string]struct{}, len(ignoredKeys))
	for _, k := range ignoredKeys {
		ignored[k] = struct{}{}
	}
	keys := make([]string, 0, len(dict))
	for k := range dict {
		if _, skip := ignored[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, err := canonicalValue(dict[k])
		if err != nil {
			return "", InvalidResource("", "configuration value %s: %v", k, err)
		}
		writeLengthPrefixed(h, k)
		writeLengthPrefixed(h, v)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalValue encodes v independent of its Go container types.
func canonicalValue(v any) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SaltDigest binds a payload digest to the url it was read from, so identical
// data supplied by different sources never share a digest.
func SaltDigest(url, digest string) string {
	h := sha256.New()
	writeLengthPrefixed(h, url)
	writeLengthPrefixed(h, digest)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeStreamDigest returns the sha256 of everything read from r.
func ComputeStreamDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("computing stream digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sameConfigData reports whether a and b hold the same configuration values,
// ignoring IgnoredConfigKeys.
func sameConfigData(a, b Dictionary) bool {
	if a == nil || b == nil {
		return false
	}
	da, err := ComputeDictionaryDigest(a, IgnoredConfigKeys)
	if err != nil {
		return false
	}
	db, err := ComputeDictionaryDigest(b, IgnoredConfigKeys)
	if err != nil {
		return false
	}
	return da == db
}

func writeLengthPrefixed(w io.Writer, s string) {
	io.WriteString(w, strconv.Itoa(len(s)))
	io.WriteString(w, ":")
	io.WriteString(w, s)
}
