package marker

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MirroredFileSuffix is inserted into file names mirrored from Desk to
// the provider so the provider-side listing reveals their origin.
const MirroredFileSuffix = "__from_desk"

// AttachmentBodyHeader opens every Desk conversation that mirrors a
// provider-side attachment.
const AttachmentBodyHeader = "File attached from Provider<br>-------------------------<br>"

// AttachmentMeta is the metadata line written into a Desk conversation
// for one provider-side file.
type AttachmentMeta struct {
	FileName string
	Created  time.Time
	// FileID is the provider file id. Zero means unknown: the line was
	// written by an earlier deployment that recorded only name and time.
	FileID int64
	// UpdateID is the provider update the file arrived with, recovered
	// from the body's provenance tag.
	UpdateID string
}

// fileNamePart excludes characters neither system accepts in file names,
// which keeps the name match from running past the metadata bracket.
const fileNamePart = `([^\\/:*?"<>|]+)`

var (
	attachmentMetaRe = regexp.MustCompile(`<br>` + fileNamePart + `[\s]+\[([\d]*),[\s]?(` + timePattern + `)\]`)
	// Legacy lines carry no file id.
	attachmentMetaLegacyRe = regexp.MustCompile(`<br>` + fileNamePart + `[\s]+\[(` + timePattern + `)\]`)
)

// MetadataText renders the metadata line for one file. The name is
// HTML-escaped because Desk bodies are HTML fragments; ParseAttachmentBody
// unescapes on the way back.
func (m AttachmentMeta) MetadataText() string {
	return fmt.Sprintf("%s [%d,%s]", html.EscapeString(m.FileName), m.FileID, FormatTime(m.Created))
}

// ConversationBody builds the full Desk body mirroring this attachment:
// header, metadata line, then the provider provenance tag.
func (m AttachmentMeta) ConversationBody() string {
	body := AttachmentBodyHeader + m.MetadataText()
	body = Normalize(body, ProviderLinefeed, DeskLinefeed)
	return fmt.Sprintf("%s%s[%s:%s,%s]", body, DeskLinefeed+DeskLinefeed, LabelProvider, m.UpdateID, FormatTime(m.Created))
}

// Matches reports whether this metadata refers to the provider file with
// the given identity. When both sides know the file id, id plus name
// decide; otherwise the legacy rule applies: equal names and creation
// times that agree to the second (metadata lines record second
// precision).
func (m AttachmentMeta) Matches(fileID int64, fileName string, created time.Time) bool {
	if m.FileID != 0 && m.FileID == fileID {
		return m.FileName != "" && m.FileName == fileName
	}
	if m.FileID != 0 && fileID != 0 {
		// Both ids known and different: never the same file, even if
		// name and time collide.
		return false
	}
	if m.FileName == "" {
		return false
	}
	diffSeconds := (m.Created.UnixMilli() - created.UnixMilli()) / 1000
	return m.FileName == fileName && diffSeconds == 0
}

// ParseAttachmentBody recovers the attachment metadata recorded in a Desk
// conversation body. The current line format is tried first; only when it
// matches nothing does the legacy id-less format apply, so a body can
// never yield a mix of the two.
func ParseAttachmentBody(htmlBody string) ([]AttachmentMeta, error) {
	updateID := ForeignID(htmlBody, LabelProvider, DeskLinefeed)
	var metas []AttachmentMeta
	for _, m := range attachmentMetaRe.FindAllStringSubmatch(htmlBody, -1) {
		created, err := time.Parse(TimeLayout, m[3])
		if err != nil {
			return nil, fmt.Errorf("marker: attachment metadata time %q: %w", m[3], err)
		}
		fileID, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("marker: attachment metadata file id %q: %w", m[2], err)
		}
		metas = append(metas, AttachmentMeta{
			FileName: html.UnescapeString(m[1]),
			Created:  created,
			FileID:   fileID,
			UpdateID: updateID,
		})
	}
	if len(metas) > 0 {
		return metas, nil
	}
	for _, m := range attachmentMetaLegacyRe.FindAllStringSubmatch(htmlBody, -1) {
		created, err := time.Parse(TimeLayout, m[2])
		if err != nil {
			return nil, fmt.Errorf("marker: attachment metadata time %q: %w", m[2], err)
		}
		metas = append(metas, AttachmentMeta{
			FileName: html.UnescapeString(m[1]),
			Created:  created,
			UpdateID: updateID,
		})
	}
	return metas, nil
}

// MirroredFileName tags a Desk file name for upload to the provider:
// name__from_desk.ext, or a plain suffix when there is no extension.
func MirroredFileName(fileName string) string {
	dot := strings.LastIndex(fileName, ".")
	if dot < 0 {
		return fileName + MirroredFileSuffix
	}
	return fileName[:dot] + MirroredFileSuffix + fileName[dot:]
}

// IsMirroredFileName reports whether the provider file name carries the
// Desk mirror suffix.
func IsMirroredFileName(fileName string) bool {
	return strings.Contains(fileName, MirroredFileSuffix)
}

// Provider update author classes, as reported by the provider API.
const (
	EditorUser     = "USER"
	EditorAgent    = "AGENT"
	EditorEmployee = "EMPLOYEE"
)

// IsAttachmentNote reports whether a provider update is the
// administrative notice the provider itself posts when a file is
// attached. Such updates describe no conversation content and are
// excluded from reconciliation. They are always single-line.
func IsAttachmentNote(editorType, body string) bool {
	if body == "" || strings.Contains(body, ProviderLinefeed) {
		return false
	}
	switch editorType {
	case EditorUser, EditorAgent:
		return strings.HasPrefix(body, "Attached file") && strings.Contains(body, MirroredFileSuffix)
	case EditorEmployee:
		return strings.Contains(body, "A new file attachment has been added")
	}
	return false
}
