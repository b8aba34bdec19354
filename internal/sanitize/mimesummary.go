package sanitize

import (
	"fmt"
	"strings"

	"github.com/ottosync/otto/internal/model"
)

const (
	maxSummaryLines = 300
	maxSummaryDepth = 20
)

// summarizeMime renders a compact indented tree of the part hierarchy and
// collects attachment descriptors in declaration order.
func summarizeMime(root *mimePart) (string, []model.AttachmentDescriptor) {
	var lines []string
	var attachments []model.AttachmentDescriptor
	walkMime(root, 0, &lines, &attachments)

	if len(lines) == 0 {
		return "(empty MIME)", attachments
	}
	return strings.Join(lines, "\n"), attachments
}

func walkMime(part *mimePart, depth int, lines *[]string, attachments *[]model.AttachmentDescriptor) {
	if len(*lines) >= maxSummaryLines || depth > maxSummaryDepth {
		return
	}

	indent := strings.Repeat("  ", depth)
	line := indent + part.MimeType
	if strings.HasPrefix(part.MimeType, "text/") && part.Charset != "" {
		line += "; charset=" + part.Charset
	}
	if part.Disposition != "" {
		line += "; disp=" + part.Disposition
	}
	if part.Filename != "" {
		line += "; filename=" + part.Filename
	}
	if part.ContentID != "" {
		line += "; cid=" + part.ContentID
	}
	if len(part.Body) > 0 {
		line += fmt.Sprintf("; bytes=%d", len(part.Body))
	}
	*lines = append(*lines, line)

	isContainer := strings.HasPrefix(part.MimeType, "multipart/") && len(part.Subparts) > 0
	if !isContainer && isAttachmentPart(part) {
		*attachments = append(*attachments, model.AttachmentDescriptor{
			Filename:    part.Filename,
			Size:        len(part.Body),
			ContentType: part.MimeType,
			ContentID:   part.ContentID,
		})
	}

	for _, child := range part.Subparts {
		walkMime(child, depth+1, lines, attachments)
	}
}

func isAttachmentPart(part *mimePart) bool {
	if part.Disposition == "attachment" {
		return true
	}
	if part.Filename != "" {
		return true
	}
	if part.ContentID != "" && !part.isTextLike() {
		return true
	}
	return !part.isTextLike() && !strings.HasPrefix(part.MimeType, "multipart/")
}
