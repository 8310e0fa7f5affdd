package staging

import (
	"bytes"
	"fmt"

	pdf "github.com/ledongthuc/pdf"
)

// probePayload rejects payloads that cannot possibly be what their extension
// claims. Only PDFs get a structural probe; the other allowed formats are
// accepted on MIME type alone.
func probePayload(ext string, payload []byte) error {
	if ext != ".pdf" {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty pdf payload")
	}
	reader := bytes.NewReader(payload)
	if _, err := pdf.NewReader(reader, int64(len(payload))); err != nil {
		return fmt.Errorf("unreadable pdf: %w", err)
	}
	return nil
}
