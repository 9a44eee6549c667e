package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// Format is an ebook file format tag.
type Format string

// Known formats. Unknown is returned when neither the extension nor the
// magic bytes identify the file.
const (
	FormatEPUB    Format = "epub"
	FormatMOBI    Format = "mobi"
	FormatPDF     Format = "pdf"
	FormatFB2     Format = "fb2"
	FormatAZW3    Format = "azw3"
	FormatCBZ     Format = "cbz"
	FormatCBR     Format = "cbr"
	FormatDJVU    Format = "djvu"
	FormatLIT     Format = "lit"
	FormatUnknown Format = "unknown"
)

// extFormats maps lowercase file extensions to formats.
var extFormats = map[string]Format{
	".epub": FormatEPUB,
	".mobi": FormatMOBI,
	".pdf":  FormatPDF,
	".fb2":  FormatFB2,
	".azw3": FormatAZW3,
	".cbz":  FormatCBZ,
	".cbr":  FormatCBR,
	".djvu": FormatDJVU,
	".lit":  FormatLIT,
}

// sniffLen is how many leading bytes are read for magic detection.
const sniffLen = 512

// DetectFormat identifies the format of the file at path.
//
// The extension is checked first, case-insensitively. When it is missing or
// unrecognized, up to the first 512 bytes are read and matched against known
// magic signatures. ZIP containers are epub when the mandatory OCF mimetype
// entry leads the archive and cbz otherwise; RAR archives are cbr.
func DetectFormat(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extFormats[ext]; ok {
		return f
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return FormatUnknown
	}
	return sniff(buf[:n])
}

// sniff matches magic signatures against the leading bytes of a file.
func sniff(head []byte) Format {
	switch {
	case len(head) >= 0x3c+8 && bytes.Equal(head[0x3c:0x3c+8], []byte("BOOKMOBI")):
		return FormatMOBI
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		// ZIP container. The OCF spec requires "mimetype" with the epub
		// media type as the first stored entry, so its absence means a
		// plain zip comic archive.
		if bytes.Contains(head, []byte("mimetypeapplication/epub+zip")) {
			return FormatEPUB
		}
		return FormatCBZ
	case bytes.HasPrefix(head, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(head, []byte("Rar!\x1a\x07")):
		return FormatCBR
	case looksLikeFB2(head):
		return FormatFB2
	default:
		return FormatUnknown
	}
}

// looksLikeFB2 reports whether head is an XML prolog containing a
// FictionBook root element.
func looksLikeFB2(head []byte) bool {
	trimmed := bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf")
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return false
	}
	return bytes.Contains(head, []byte("<FictionBook"))
}
