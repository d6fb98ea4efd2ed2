// Package logger wraps zap for the provisioner:
//   - a global sugared logger writing console-encoded lines to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing for the --log-level flag,
//   - leveled convenience functions (Infof, ErrorKV, etc.).
//
// Stdout is reserved for linker directives consumed by the build system,
// so nothing in this package ever writes there.
package logger
