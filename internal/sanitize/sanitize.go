// Package sanitize turns a raw RFC 822 byte blob into a structured,
// pre-extracted view: plaintext body, MIME summary, attachment
// descriptors, and a content hash. Sanitize is pure, deterministic, and
// total — it never returns an error and never panics, falling back to a
// lossy-decoded view of the raw bytes on any parse failure.
package sanitize

import (
	"bytes"
	"strings"

	"github.com/emersion/go-message"

	"github.com/ottosync/otto/internal/model"
)

// Result is the structured output of Sanitize.
type Result struct {
	SanitizedText string
	MimeSummary   string
	Attachments   []model.AttachmentDescriptor
	RawHash       string
	HasAttachments bool
}

// Sanitize extracts a plaintext rendering, a MIME summary, attachment
// descriptors, and a content hash from a raw RFC 822 message. It never
// fails: on any parse error it falls back to a lossy UTF-8 rendering of
// raw with an empty summary and no attachments.
func Sanitize(raw []byte) Result {
	hash := contentHash(raw)

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return Result{
			SanitizedText: lossyUTF8(raw),
			RawHash:       hash,
		}
	}

	root, err := buildTree(entity)
	if err != nil {
		return Result{
			SanitizedText: lossyUTF8(raw),
			RawHash:       hash,
		}
	}

	text := extractText(root, raw)
	summary, attachments := summarizeMime(root)

	return Result{
		SanitizedText:  text,
		MimeSummary:    summary,
		Attachments:    attachments,
		RawHash:        hash,
		HasAttachments: len(attachments) > 0,
	}
}

func lossyUTF8(raw []byte) string {
	return renderTextPart(strings.ToValidUTF8(string(raw), "�"))
}
