// ABOUTME: Build-time version identity for the CLI drivers
// ABOUTME: Overridable at link time via -ldflags for release builds
package version

// Version is the build version, overridable with -ldflags
// "-X github.com/sendspin/sendspin-go/internal/version.Version=...".
var Version = "dev"

// Product identifies this implementation in the CLIs' version and log output.
const Product = "Sendspin"

// Manufacturer identifies the implementer in the CLIs' version and log output.
const Manufacturer = "Sendspin Project"
