package archive

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
)

// Format is a supported archive container.
type Format string

// Supported formats.
const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarXz  Format = "tar.xz"
	FormatTarZst Format = "tar.zst"
)

// formatByMIME maps detected MIME types to formats. Compressed streams are
// assumed to wrap a tarball.
//
//nolint:gochecknoglobals // Read-only lookup table.
var formatByMIME = map[string]Format{
	"application/zip":   FormatZip,
	"application/x-tar": FormatTar,
	"application/gzip":  FormatTarGz,
	"application/x-xz":  FormatTarXz,
	"application/zstd":  FormatTarZst,
}

// DetectFormat sniffs the archive at path.
func DetectFormat(path string) (Format, error) {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", provision.IOError("read", path, err)
	}

	// Zip-based formats such as jar are detected as children of application/zip.
	for m := detected; m != nil; m = m.Parent() {
		for mime, format := range formatByMIME {
			if m.Is(mime) {
				return format, nil
			}
		}
	}

	return "", provision.ArchiveError(path, fmt.Errorf("unsupported archive type %s", detected.String()))
}
