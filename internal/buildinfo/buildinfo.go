// Package buildinfo holds the version string stamped into release builds.
package buildinfo

// Version is overwritten at build time via -ldflags "-X .../buildinfo.Version=...".
var Version = "dev"
