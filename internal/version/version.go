// Package version holds the build-time version string for
// tegra-bootloader-update.
package version

// Version is overridden at link time with:
//
//	go build -ldflags "-X tegraupdate/internal/version.Version=1.2.3"
var Version = "dev"
