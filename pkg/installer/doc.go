// Package installer reconciles a declarative set of installable resources
// (bundles and configurations) against the live state of a component host.
//
// # Model
//
// Callers register resources under an owner name. Each resource gets a stable
// entity id ("bundle:<symbolic-name>" or "config:<pid>") that does not depend
// on where it came from, and a digest salted with its url. When several
// resources claim the same entity, the one with the highest priority is
// selected; among equal priorities the most recent registration wins.
//
// # Cycles
//
// The installer works in cycles. Each cycle compares the selected resource of
// every entity with what was last applied to the host and derives tasks. The
// tasks are kept in a TaskSet, which orders them by a fixed key so that
// configurations are removed before they are installed, bundles are removed,
// updated and installed before the host refreshes its packages, and bundles
// are started last:
//
//	10- config remove
//	20- config install
//	30- bundle remove
//	40- bundle update
//	50- bundle install
//	60- refresh packages
//	70- bundle start (by bundle id)
//
// A task that needs a host service which is not present yet is deferred to
// the next cycle. A task that fails is dropped; the next cycle derives it
// again if the mismatch persists. A cycle that finds nothing to do marks the
// installer idle, see WaitForIdle.
//
// # Basic Usage
//
//	inst, err := installer.New(installer.Options{
//	    Host:       host,
//	    StorageDir: "/var/lib/installer/data",
//	    Log:        log,
//	})
//	if err != nil {
//	    return err
//	}
//	go inst.Run(ctx)
//
//	err = inst.RegisterResources("launchpad", []installer.InstallableResource{
//	    installer.NewStreamResource("file:/bundles/api.jar", f, digest),
//	    installer.NewConfigResource("file:/config/org.example.Service.cfg", dict),
//	})
package installer
