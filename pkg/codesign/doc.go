// Package codesign prepares Mach-O binaries on the host before they are
// pushed to a device.
//
// It wraps ldid2 for ad hoc signing with entitlements, and also signs
// natively in Go so that no host tool is needed:
//
//	signer := codesign.NewNativeSigner(nil) // ad hoc
//	err := signer.Sign(ctx, "build/makerw.framework/makerw", "entitlements.xml")
//
// # Features
//
//   - Entitlements plist parsing plus the DER form iOS 15+ expects
//   - Thin and fat binaries, ad hoc or with a PKCS#12 identity
//   - arm64e slice injection for binaries built arm64-only
//   - Reading back the identifier and entitlements of an existing signature
package codesign
