// Package build carries version information injected at link time.
package build

var (
	// Version is the release version, set via -ldflags.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
	// Date is the build timestamp.
	Date = "unknown"
)
