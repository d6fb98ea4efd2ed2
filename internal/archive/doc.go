// Package archive unpacks the entries of a prebuilt archive that are needed
// for linking.
//
// Only entries whose name starts with the configured prefix are written.
// Every destination path is sanitized so that no entry, file or symlink, can
// land outside the staging directory. Zip archives and gzip, xz or zstd
// tarballs are recognized by content, not by file extension.
package archive
