// Package version exposes build metadata for the provisioner binary.
//
// Version, Commit and BuildTime are injected with -ldflags at release time.
package version
