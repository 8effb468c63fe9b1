package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxDocumentBytes is the upload bound used when none is configured.
const DefaultMaxDocumentBytes = 10 << 20

// pdfPagePattern matches page objects but not the /Pages tree node.
var pdfPagePattern = regexp.MustCompile(`/Type\s*/Page\b`)

// ValidateDocument enforces the size and type bounds on an upload: images of
// any common format, or a single-page PDF. The detected content type comes
// from the bytes, never from the client's declared type.
func ValidateDocument(data []byte, maxBytes int64) (Document, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	if len(data) == 0 {
		return Document{}, fmt.Errorf("%w: document is empty", ErrInvalidDocument)
	}
	if int64(len(data)) > maxBytes {
		return Document{}, fmt.Errorf("%w: document is %d bytes, limit is %d", ErrInvalidDocument, len(data), maxBytes)
	}

	mtype := mimetype.Detect(data)
	doc := Document{Bytes: data, ContentType: mtype.String(), Pages: 1}

	switch {
	case strings.HasPrefix(mtype.String(), "image/"):
		return doc, nil
	case mtype.Is("application/pdf"):
		pages := countPDFPages(data)
		if pages > 1 {
			return Document{}, fmt.Errorf("%w: pdf has %d pages, only single-page documents are accepted", ErrInvalidDocument, pages)
		}
		return doc, nil
	default:
		return Document{}, fmt.Errorf("%w: unsupported content type %s", ErrInvalidDocument, mtype.String())
	}
}

// countPDFPages counts page objects in an uncompressed object table. Pages
// stored inside compressed object streams are not visible, so the count is a
// lower bound.
func countPDFPages(data []byte) int {
	return len(pdfPagePattern.FindAllIndex(data, -1))
}
