// Package fetcher makes sure a local copy of the prebuilt archive exists.
//
// An existing destination file is trusted as-is. Otherwise the archive is
// streamed with grab into "<dest>.part", checked for a 200 status (and an
// optional sha256 pin), and renamed into place so that an interrupted or
// rejected transfer never looks like a cached download on the next run.
package fetcher
