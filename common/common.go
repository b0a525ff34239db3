package common

// PackageName is used as the namespace for exported metrics.
const PackageName = "vless_provisioning"

// Version is overridden at build time via -ldflags.
var Version = "dev"
