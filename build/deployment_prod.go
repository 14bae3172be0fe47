//go:build !dev

package build

// Deployment specifies a production build.
const Deployment = Production

// LogLevel is unused in production builds, sub-loggers take their level from
// the configured debug level instead.
var LogLevel = "info"
