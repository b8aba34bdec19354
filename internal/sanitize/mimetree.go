package sanitize

import (
	"io"
	"strings"

	"github.com/emersion/go-message"
)

// mimePart is a flattened, read-once copy of a message.Entity subtree.
// Building this once up front keeps the decision-tree walks below free of
// go-message specific error handling.
type mimePart struct {
	MimeType    string
	Charset     string
	Disposition string
	Filename    string
	ContentID   string
	Body        []byte
	Subparts    []*mimePart
}

func buildTree(e *message.Entity) (*mimePart, error) {
	return buildPart(e, 0)
}

func buildPart(e *message.Entity, depth int) (*mimePart, error) {
	part := &mimePart{}

	mimeType, params, err := e.Header.ContentType()
	if err != nil || mimeType == "" {
		mimeType = "text/plain"
	}
	part.MimeType = strings.ToLower(mimeType)
	part.Charset = params["charset"]

	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		part.Disposition = strings.ToLower(disp)
		if name := dparams["filename"]; name != "" {
			part.Filename = name
		} else if name := dparams["name"]; name != "" {
			part.Filename = name
		}
	}
	if part.Filename == "" {
		if name := params["name"]; name != "" {
			part.Filename = name
		} else if name := params["filename"]; name != "" {
			part.Filename = name
		}
	}

	if cid := e.Header.Get("Content-Id"); cid != "" {
		part.ContentID = strings.Trim(strings.TrimSpace(cid), "<>")
	}

	// depth cap mirrors the summary cap; stop descending into pathological
	// nesting but still capture this part's own body.
	if depth > 20 {
		part.Body, _ = io.ReadAll(io.LimitReader(e.Body, 1<<20))
		return part, nil
	}

	if strings.HasPrefix(part.MimeType, "multipart/") {
		mr := e.MultipartReader()
		if mr != nil {
			for {
				p, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					break
				}
				child, err := buildPart(p, depth+1)
				if err != nil {
					continue
				}
				part.Subparts = append(part.Subparts, child)
			}
			return part, nil
		}
	}

	part.Body, _ = io.ReadAll(io.LimitReader(e.Body, 25<<20))
	return part, nil
}

func (p *mimePart) isTextLike() bool {
	return strings.HasPrefix(p.MimeType, "text/")
}
