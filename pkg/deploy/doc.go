// Package deploy copies freshly built framework binaries onto a jailbroken
// device and signs them there.
//
// A deploy has two halves. Plan works purely on the host: it scans
// BUILT_PRODUCTS_DIR for *.framework bundles, checks each has its binary and
// matches bundle names against a Manifest. Deployer.Run then connects,
// probes the jailbreak root (rootful /, rootless /var/jb or a roothide jail
// root) and for every planned binary:
//
//  1. adds an arm64e slice if the target asks for one
//  2. signs it on the host with its entitlements
//  3. removes the old copy on the device, ignoring failures
//  4. copies the binary over
//  5. stages the entitlements in <root>/tmp, ignoring failures
//  6. re-signs it with the device's own ldid
//
// Typical use from an Xcode run script phase:
//
//	cfg, err := deploy.ConfigFromEnv()
//	if err != nil {
//	    return err
//	}
//	d, err := deploy.NewDeployer(cfg)
//	if err != nil {
//	    return err
//	}
//	return d.Run(ctx)
package deploy
