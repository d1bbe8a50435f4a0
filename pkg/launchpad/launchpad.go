// Package launchpad registers the resources shipped with a launchpad content
// tree with the installer.
//
// Configurations are read from resources/config and bundle archives from
// resources/bundles, including its subdirectories. Everything is registered
// under the owner "launchpad", so a rescan replaces the previous set and files
// deleted from the tree are uninstalled.
package launchpad

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rajeshp/sling/pkg/installer"
)

const (
	// Owner is the registration owner of launchpad resources.
	Owner = "launchpad"

	// Scheme prefixes the url of every launchpad resource.
	Scheme = "launchpad"

	// ConfigPath holds configuration files.
	ConfigPath = "resources/config"

	// BundlesPath holds bundle archives.
	BundlesPath = "resources/bundles"
)

// Registrar receives the scanned resources. *installer.Installer implements it.
type Registrar interface {
	RegisterResources(owner string, resources []installer.InstallableResource) error
}

// Options configures a Scanner.
type Options struct {
	// Content is the launchpad content tree.
	Content fs.FS

	// Registrar receives the resources.
	Registrar Registrar

	// Log is the base logger. Defaults to a discarding logger.
	Log logr.Logger

	// Priority is assigned to every resource. The zero value ranks launchpad
	// content below resources registered with installer.DefaultPriority.
	Priority int
}

// Scanner reads a launchpad content tree and registers its resources.
type Scanner struct {
	content   fs.FS
	registrar Registrar
	log       logr.Logger
	priority  int
}

// NewScanner creates a Scanner.
func NewScanner(opts Options) (*Scanner, error) {
	if opts.Content == nil {
		return nil, fmt.Errorf("launchpad: content is required")
	}
	if opts.Registrar == nil {
		return nil, fmt.Errorf("launchpad: registrar is required")
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	return &Scanner{
		content:   opts.Content,
		registrar: opts.Registrar,
		log:       opts.Log.WithName("launchpad"),
		priority:  opts.Priority,
	}, nil
}

// URL returns the resource url of a file in the content tree.
func URL(p string) string {
	return Scheme + ":" + p
}

// Scan registers every configuration and bundle found in the content tree,
// replacing what the previous scan registered. Nothing is registered if a
// directory cannot be listed or a file cannot be read, since a partial set
// would remove the missing resources from the host. Read errors and resources
// the installer rejected are reported in the returned aggregate error.
func (s *Scanner) Scan(ctx context.Context) error {
	var errs []error
	var resources []installer.InstallableResource

	var listErr error
	configs, err := s.files(ConfigPath, nil)
	if err != nil {
		listErr = err
	}
	for _, p := range configs {
		if err := ctx.Err(); err != nil {
			closeAll(resources)
			return err
		}
		f, err := s.content.Open(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("opening %s: %w", p, err))
			continue
		}
		s.log.V(1).Info("found configuration", "path", p)
		resources = append(resources, installer.InstallableResource{
			URL:      URL(p),
			Stream:   f,
			Type:     installer.ResourceTypeConfig,
			Priority: s.priority,
		})
	}

	bundles, err := s.files(BundlesPath, func(p string) bool { return strings.HasSuffix(p, ".jar") })
	if err != nil && listErr == nil {
		listErr = err
	}
	for _, p := range bundles {
		if err := ctx.Err(); err != nil {
			closeAll(resources)
			return err
		}
		r, err := s.bundle(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.V(1).Info("found bundle", "path", p)
		resources = append(resources, r)
	}

	if listErr != nil {
		errs = append(errs, listErr)
	}
	if len(errs) > 0 {
		closeAll(resources)
		return utilerrors.NewAggregate(errs)
	}
	if err := s.registrar.RegisterResources(Owner, resources); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("registered launchpad resources", "configs", len(configs), "bundles", len(bundles))
	return utilerrors.NewAggregate(errs)
}

// bundle opens p twice: once to digest it and once as the payload stream.
func (s *Scanner) bundle(p string) (installer.InstallableResource, error) {
	f, err := s.content.Open(p)
	if err != nil {
		return installer.InstallableResource{}, fmt.Errorf("opening %s: %w", p, err)
	}
	digest, err := installer.ComputeStreamDigest(f)
	f.Close()
	if err != nil {
		return installer.InstallableResource{}, fmt.Errorf("digesting %s: %w", p, err)
	}
	stream, err := s.content.Open(p)
	if err != nil {
		return installer.InstallableResource{}, fmt.Errorf("opening %s: %w", p, err)
	}
	return installer.InstallableResource{
		URL:      URL(p),
		Stream:   stream,
		Digest:   digest,
		Type:     installer.ResourceTypeBundle,
		Priority: s.priority,
	}, nil
}

// files lists the regular files below root accepted by keep, in lexical
// order. A missing root yields no files.
func (s *Scanner) files(root string, keep func(string) bool) ([]string, error) {
	var out []string
	err := fs.WalkDir(s.content, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(path.Base(p), ".") {
			return nil
		}
		if keep != nil && !keep(p) {
			s.log.V(1).Info("ignoring file", "path", p)
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("listing %s: %w", root, err)
	}
	return out, nil
}

// Watch scans immediately and then every interval until ctx ends. Scan
// errors are logged. A zero interval scans once.
func (s *Scanner) Watch(ctx context.Context, interval time.Duration) {
	scan := func(ctx context.Context) {
		if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.log.Error(err, "scanning launchpad content")
		}
	}
	if interval <= 0 {
		scan(ctx)
		return
	}
	wait.UntilWithContext(ctx, scan, interval)
}

func closeAll(resources []installer.InstallableResource) {
	for _, r := range resources {
		if r.Stream != nil {
			r.Stream.Close()
		}
	}
}
