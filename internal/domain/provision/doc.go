// Package provision holds the domain vocabulary shared by every pipeline stage:
// the error taxonomy, the stage machine and the classification helper used for
// the final log line.
package provision
