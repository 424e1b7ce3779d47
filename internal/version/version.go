// Package version holds build-time identification for the multiflow binary.
package version

// Version is overridden at build time via -ldflags "-X ...version.Version=...".
var Version = "dev"
