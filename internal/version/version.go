package version

// Version is the current version of the meshspace binary.
// This value can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/meshspace/meshspace/internal/version.Version=v1.0.0'"
var Version = "dev"
