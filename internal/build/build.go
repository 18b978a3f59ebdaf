// Package build contains build-time metadata stamped in by the release pipeline.
package build

const ProjectName = "xpucat"

var (
	// Version is the release version, overridden via -ldflags.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"
)
