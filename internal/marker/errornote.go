package marker

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a sync failure reported to operators as a private
// Desk note.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorTicketCreation
	ErrorConversationSync
	ErrorAttachment
	ErrorStatusChange
	ErrorSlaUpdate
)

// Operator-facing labels. The deployment's operations team reads Korean;
// these literals also key the parser, so they are frozen.
const (
	errorHeaderLabel  = "[에러 노트]\n"
	errorKindLabel    = "에러 유형 : "
	errorContentLabel = "에러 내용 : "
)

var errorKindTexts = map[ErrorKind]string{
	ErrorTicketCreation:   "Provider 티켓 생성 실패",
	ErrorConversationSync: "대화 동기화 실패",
	ErrorAttachment:       "파일 첨부 실패",
	ErrorStatusChange:     "티켓 상태 변경 실패",
	ErrorSlaUpdate:        "SLA 정보 갱신 실패",
	ErrorUnknown:          "Unknown",
}

// Text returns the fixed operator-facing description of the kind.
func (k ErrorKind) Text() string {
	if t, ok := errorKindTexts[k]; ok {
		return t
	}
	return errorKindTexts[ErrorUnknown]
}

func (k ErrorKind) String() string {
	switch k {
	case ErrorTicketCreation:
		return "TicketCreationFailure"
	case ErrorConversationSync:
		return "ConversationSyncFailure"
	case ErrorAttachment:
		return "AttachmentFailure"
	case ErrorStatusChange:
		return "StatusChangeFailure"
	case ErrorSlaUpdate:
		return "SlaUpdateFailure"
	}
	return "Unknown"
}

func errorKindFromText(text string) ErrorKind {
	for k, t := range errorKindTexts {
		if k != ErrorUnknown && t == text {
			return k
		}
	}
	return ErrorUnknown
}

// ErrorNote is a service-authored failure report posted as a private Desk
// note on the affected ticket.
type ErrorNote struct {
	Kind  ErrorKind
	Cause string
	At    time.Time
}

// Same reports whether a new failure repeats this note: identical kind
// and byte-identical cause. Anything else is a different failure and
// deserves a fresh note.
func (n ErrorNote) Same(kind ErrorKind, cause string) bool {
	return n.Kind == kind && n.Cause == cause
}

// FormatErrorNote renders the note body in Desk linefeed convention,
// closed by a timestamp-only monitoring marker so the reconciler can
// recognize and skip it.
func FormatErrorNote(n ErrorNote) string {
	cause := Normalize(n.Cause, ProviderLinefeed, DeskLinefeed)
	body := fmt.Sprintf("%s%s%s\n%s%s\n\n[%s:%s]",
		errorHeaderLabel, errorKindLabel, n.Kind.Text(),
		errorContentLabel, cause,
		LabelMonitoring, FormatTime(n.At))
	return Normalize(body, ProviderLinefeed, DeskLinefeed)
}

// ParseErrorNote recovers an error note from a Desk body. ok is false for
// any body that is not an error note.
func ParseErrorNote(htmlBody string) (ErrorNote, bool) {
	body := Normalize(htmlBody, DeskLinefeed, ProviderLinefeed)
	if !strings.Contains(body, errorHeaderLabel) ||
		!strings.Contains(body, errorKindLabel) ||
		!strings.Contains(body, errorContentLabel) {
		return ErrorNote{}, false
	}
	kindStart := strings.Index(body, errorKindLabel) + len(errorKindLabel)
	kindEnd := strings.Index(body, "\n"+errorContentLabel)
	causeStart := strings.Index(body, errorContentLabel) + len(errorContentLabel)
	causeEnd := strings.Index(body, "\n\n[")
	if kindEnd < kindStart || causeEnd < causeStart {
		return ErrorNote{}, false
	}
	note := ErrorNote{
		Kind:  errorKindFromText(body[kindStart:kindEnd]),
		Cause: body[causeStart:causeEnd],
	}
	if at, ok, err := TagTime(htmlBody, LabelMonitoring, DeskLinefeed); ok && err == nil {
		note.At = at
	}
	return note, true
}

// IsErrorNote reports whether a Desk body is a service-authored error
// note.
func IsErrorNote(htmlBody string) bool {
	_, ok := ParseErrorNote(htmlBody)
	return ok
}
