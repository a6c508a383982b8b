// Package version holds the protocol version announced between controllers,
// daemons and proxies.
package version

// Version is set at build time. Only major.minor takes part in compatibility
// checks.
var Version = "0.8.2"
