package installer

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Manifest headers read from bundle archives.
const (
	HeaderBundleSymbolicName = "Bundle-SymbolicName"
	HeaderBundleVersion      = "Bundle-Version"
	HeaderFragmentHost       = "Fragment-Host"

	manifestPath   = "META-INF/MANIFEST.MF"
	defaultVersion = "0.0.0"
)

// BundleManifest holds the manifest headers the installer needs.
type BundleManifest struct {
	SymbolicName string
	Version      string
	FragmentHost string
	Headers      map[string]string
}

// IsFragment reports whether the bundle attaches to a host bundle.
func (m BundleManifest) IsFragment() bool {
	return m.FragmentHost != ""
}

// ReadBundleManifest reads the main section of the jar manifest in the archive at path.
func ReadBundleManifest(path string) (BundleManifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return BundleManifest{}, fmt.Errorf("opening bundle archive: %w", err)
	}
	defer zr.Close()
	return manifestFromZip(&zr.Reader)
}

// ReadBundleManifestFrom reads the jar manifest of an archive held in r.
func ReadBundleManifestFrom(r io.ReaderAt, size int64) (BundleManifest, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return BundleManifest{}, fmt.Errorf("opening bundle archive: %w", err)
	}
	return manifestFromZip(zr)
}

func manifestFromZip(zr *zip.Reader) (BundleManifest, error) {
	f, err := zr.Open(manifestPath)
	if err != nil {
		return BundleManifest{}, fmt.Errorf("bundle archive has no %s", manifestPath)
	}
	defer f.Close()
	return parseManifest(f)
}

// parseManifest parses "Name: value" lines of the main manifest section.
// Lines starting with a single space continue the previous value.
func parseManifest(r io.Reader) (BundleManifest, error) {
	headers := make(map[string]string)
	var last string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			// End of the main section.
			break
		}
		if strings.HasPrefix(line, " ") {
			if last != "" {
				headers[last] += line[1:]
			}
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		last = strings.TrimSpace(name)
		headers[last] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return BundleManifest{}, fmt.Errorf("reading manifest: %w", err)
	}

	m := BundleManifest{
		SymbolicName: stripDirectives(headers[HeaderBundleSymbolicName]),
		Version:      strings.TrimSpace(headers[HeaderBundleVersion]),
		FragmentHost: stripDirectives(headers[HeaderFragmentHost]),
		Headers:      headers,
	}
	if m.Version == "" {
		m.Version = defaultVersion
	}
	return m, nil
}

// stripDirectives drops ";singleton:=true" style parameters from a header value.
func stripDirectives(v string) string {
	name, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(name)
}
