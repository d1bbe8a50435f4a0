package installer

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultPriority is the priority of resources registered without one.
const DefaultPriority = 100

// Attribute keys exposed by configuration resources.
const (
	AttributeConfigPID        = "config.pid"
	AttributeConfigFactoryPID = "config.factoryPid"
)

// InstallableResource is the descriptor callers register with the installer.
// Exactly one of Stream and Dictionary carries the payload.
type InstallableResource struct {
	// URL locates the resource at its source. It must carry a scheme prefix.
	URL string

	// Stream is the binary payload. The installer drains and closes it during
	// registration; callers must not use it afterwards.
	Stream io.ReadCloser

	// Dictionary is the payload of a configuration supplied as data.
	Dictionary Dictionary

	// Digest is the caller's fingerprint of the payload. Required for bundles;
	// computed from the data for configurations when empty.
	Digest string

	// Type forces the resource type. Empty means derive it from the url and payload.
	Type ResourceType

	// Priority decides between resources for the same entity. Higher wins.
	Priority int
}

// NewStreamResource describes a binary resource with the default priority.
func NewStreamResource(url string, stream io.ReadCloser, digest string) InstallableResource {
	return InstallableResource{URL: url, Stream: stream, Digest: digest, Priority: DefaultPriority}
}

// NewConfigResource describes a configuration supplied as a dictionary, with the default priority.
func NewConfigResource(url string, dict Dictionary) InstallableResource {
	return InstallableResource{URL: url, Dictionary: dict, Type: ResourceTypeConfig, Priority: DefaultPriority}
}

// RegisteredResource is one installable artifact accepted by the installer.
// Identity, digest and payload are fixed at construction.
type RegisteredResource struct {
	url        string
	scheme     string
	typ        ResourceType
	digest     string
	priority   int
	entityID   string
	dataFile   string
	dict       Dictionary
	manifest   BundleManifest
	pid        ConfigPID
	attributes map[string]string

	// serial orders registrations; larger is more recent.
	serial uint64
}

// NewRegisteredResource validates in and materializes its payload. A stream
// payload is drained into store and closed before returning, on every path.
func NewRegisteredResource(store *DataStore, in InstallableResource) (*RegisteredResource, error) {
	if in.Stream != nil {
		defer in.Stream.Close()
	}

	scheme, err := URLScheme(in.URL)
	if err != nil {
		return nil, err
	}

	r := &RegisteredResource{
		url:      in.URL,
		scheme:   scheme,
		priority: in.Priority,
	}
	r.typ, err = resolveType(in)
	if err != nil {
		return nil, err
	}

	switch r.typ {
	case ResourceTypeBundle:
		err = r.initBundle(store, in)
	case ResourceTypeConfig:
		err = r.initConfig(in)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func resolveType(in InstallableResource) (ResourceType, error) {
	switch {
	case in.Type == ResourceTypeBundle && in.Stream == nil:
		return "", InvalidResource(in.URL, "bundle resources require a stream")
	case in.Type != "" && in.Type != ResourceTypeBundle && in.Type != ResourceTypeConfig:
		return "", InvalidResource(in.URL, "unknown resource type %q", in.Type)
	case in.Type != "":
		return in.Type, nil
	case in.Stream == nil && in.Dictionary == nil:
		return "", InvalidResource(in.URL, "resource has neither stream nor dictionary")
	case in.Stream == nil:
		return ResourceTypeConfig, nil
	case hasConfigExtension(in.URL):
		return ResourceTypeConfig, nil
	default:
		return ResourceTypeBundle, nil
	}
}

func (r *RegisteredResource) initBundle(store *DataStore, in InstallableResource) error {
	if in.Digest == "" {
		return InvalidResource(in.URL, "bundle resources require a digest")
	}
	if store == nil {
		return fmt.Errorf("registering %s: no data store", in.URL)
	}
	r.digest = SaltDigest(in.URL, in.Digest)
	file, _, err := store.Put(r.digest, in.Stream)
	if err != nil {
		return fmt.Errorf("registering %s: %w", in.URL, err)
	}
	r.dataFile = file

	m, err := ReadBundleManifest(file)
	if err != nil {
		return InvalidResource(in.URL, "%v", err)
	}
	if m.SymbolicName == "" {
		return InvalidResource(in.URL, "bundle manifest has no %s", HeaderBundleSymbolicName)
	}
	r.manifest = m
	r.entityID = EntityID(ResourceTypeBundle, m.SymbolicName)
	r.attributes = map[string]string{
		HeaderBundleSymbolicName: m.SymbolicName,
		HeaderBundleVersion:      m.Version,
	}
	if m.FragmentHost != "" {
		r.attributes[HeaderFragmentHost] = m.FragmentHost
	}
	return nil
}

func (r *RegisteredResource) initConfig(in InstallableResource) error {
	dict := in.Dictionary.Clone()
	if in.Stream != nil {
		parsed, err := parseConfigFile(in.Stream)
		if err != nil {
			return InvalidResource(in.URL, "%v", err)
		}
		dict = parsed
	}
	if dict == nil {
		return InvalidResource(in.URL, "configuration dictionary is nil")
	}
	r.dict = dict

	if in.Digest != "" {
		r.digest = SaltDigest(in.URL, in.Digest)
	} else {
		d, err := ComputeDictionaryDigest(dict, IgnoredConfigKeys)
		if err != nil {
			return InvalidResource(in.URL, "%v", err)
		}
		r.digest = SaltDigest(in.URL, d)
	}

	if pid, ok := dict[ServicePIDKey].(string); ok && strings.TrimSpace(pid) != "" {
		r.pid = parseConfigPID(strings.TrimSpace(pid))
	} else {
		r.pid = configPIDFromURL(in.URL, r.scheme)
	}
	if r.pid.PID == "" || r.pid.PID == "." {
		return InvalidResource(in.URL, "cannot derive a configuration pid")
	}
	r.entityID = EntityID(ResourceTypeConfig, r.pid.Composite())
	r.attributes = map[string]string{AttributeConfigPID: r.pid.PID}
	if r.pid.FactoryPID != "" {
		r.attributes[AttributeConfigFactoryPID] = r.pid.FactoryPID
	}
	return nil
}

// URL returns the source locator of the resource.
func (r *RegisteredResource) URL() string { return r.url }

// Scheme returns the scheme prefix of the url.
func (r *RegisteredResource) Scheme() string { return r.scheme }

// Type returns the resource type.
func (r *RegisteredResource) Type() ResourceType { return r.typ }

// Digest returns the url-salted content digest.
func (r *RegisteredResource) Digest() string { return r.digest }

// Priority returns the selection priority.
func (r *RegisteredResource) Priority() int { return r.priority }

// EntityID returns the logical identity shared by all sources of this resource.
func (r *RegisteredResource) EntityID() string { return r.entityID }

// DataFile returns the local file holding a bundle payload, or "" for configurations.
func (r *RegisteredResource) DataFile() string { return r.dataFile }

// Manifest returns the bundle manifest headers. Zero for configurations.
func (r *RegisteredResource) Manifest() BundleManifest { return r.manifest }

// ConfigPID returns the configuration pid. Zero for bundles.
func (r *RegisteredResource) ConfigPID() ConfigPID { return r.pid }

// Dictionary returns a copy of the configuration data, or nil for bundles.
func (r *RegisteredResource) Dictionary() Dictionary { return r.dict.Clone() }

// Attributes returns a copy of the type-specific metadata.
func (r *RegisteredResource) Attributes() map[string]string {
	out := make(map[string]string, len(r.attributes))
	for k, v := range r.attributes {
		out[k] = v
	}
	return out
}

// Open returns the bundle payload. Configurations have no stream and return nil.
func (r *RegisteredResource) Open() (io.ReadCloser, error) {
	if r.typ != ResourceTypeBundle {
		return nil, nil
	}
	return os.Open(r.dataFile)
}

// String implements fmt.Stringer.
func (r *RegisteredResource) String() string {
	return fmt.Sprintf("%s(%s, priority=%d, digest=%.12s)", r.entityID, r.url, r.priority, r.digest)
}
