// Package installer promotes staged shared libraries into the build output
// directory. A file already present under the same name is replaced, never
// merged: go-update writes the new content next to it, swaps it in and
// deletes the stale copy.
package installer
