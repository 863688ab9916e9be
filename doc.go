// Package main provides the go-jbdeploy CLI, which pushes freshly built
// binaries to a jailbroken iOS device and signs them there.
//
// For the library API, see the subpackages:
//
//	import "github.com/aluedeke/go-jbdeploy/pkg/deploy"
//	import "github.com/aluedeke/go-jbdeploy/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-jbdeploy@latest
//
// # Xcode
//
// Add a run script phase after "Embed Frameworks":
//
//	go-jbdeploy deploy
package main
