package sanitize

import "strings"

// extractText implements the plaintext extraction decision tree:
//  1. leaf part: text/plain renders directly, text/html converts to text.
//  2. multipart/alternative: prefer a text/plain child, then text/html.
//  3. other multiparts: depth-first search for the first part that
//     yields text.
//  4. nothing found anywhere: lossy-render the raw bytes as a last resort.
func extractText(root *mimePart, raw []byte) string {
	if text, ok := extractPreferredText(root); ok {
		return text
	}
	return lossyUTF8(raw)
}

func extractPreferredText(part *mimePart) (string, bool) {
	if len(part.Subparts) == 0 {
		switch part.MimeType {
		case "text/plain":
			return renderTextPart(string(part.Body)), true
		case "text/html":
			return renderHTMLPart(part.Body), true
		default:
			return "", false
		}
	}

	if strings.HasPrefix(part.MimeType, "multipart/alternative") {
		var plainPart, htmlPart *mimePart
		for _, child := range part.Subparts {
			switch child.MimeType {
			case "text/plain":
				if plainPart == nil {
					plainPart = child
				}
			case "text/html":
				if htmlPart == nil {
					htmlPart = child
				}
			}
		}
		if plainPart != nil {
			if text, ok := extractPreferredText(plainPart); ok {
				return text, true
			}
		}
		if htmlPart != nil {
			if text, ok := extractPreferredText(htmlPart); ok {
				return text, true
			}
		}
	}

	for _, child := range part.Subparts {
		if text, ok := extractPreferredText(child); ok {
			return text, true
		}
	}

	return "", false
}

func renderTextPart(body string) string {
	cleaned := cleanURLsInText(body)
	if looksLikeHTML(cleaned) {
		return htmlToText(cleaned)
	}
	return cleaned
}

func renderHTMLPart(html []byte) string {
	cleaned := cleanURLsInText(string(html))
	return htmlToText(cleaned)
}

func looksLikeHTML(body string) bool {
	lower := strings.ToLower(body)
	tags := []string{"<html", "<body", "<div", "<span", "<p", "<table", "<br", "</"}
	for _, t := range tags {
		if strings.Contains(lower, t) {
			return true
		}
	}
	count := strings.Count(body, "<")
	return count > 5
}
