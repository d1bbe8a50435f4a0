// Package installertest provides testing utilities for the installer.
//
// It offers an in-memory FakeHost that records every call, fixtures that
// build bundle archives and resource descriptors, assertion helpers, and a
// ScenarioRunner for table-driven end-to-end tests.
//
// # Basic Usage
//
//	func TestInstallsBundle(t *testing.T) {
//	    host := installertest.NewFakeHost()
//	    inst := installertest.NewInstaller(t, host)
//
//	    jar := installertest.BundleJar(t, "org.example.api", "1.0.0")
//	    err := inst.RegisterResources("test", []installer.InstallableResource{
//	        installertest.BundleResource("file:/api.jar", jar),
//	    })
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//
//	    installertest.RunUntilIdle(t, inst)
//	    installertest.AssertBundleState(t, host, "org.example.api", installer.BundleActive)
//	}
//
// # Fake Host
//
// The fake host can be told to misbehave:
//
//	host.SetConfigStoreAvailable(false)      // config tasks are deferred
//	host.SetRefreshNotifications(false)      // refreshes time out
//	host.FailNext(installertest.OpStart, err, 2)
package installertest
