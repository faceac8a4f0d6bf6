// Package marker implements the in-band provenance grammar shared by the
// two ticket systems: origin tags appended to conversation bodies,
// attachment metadata lines, and service-authored error notes.
//
// Both systems store free text only, so every piece of sync bookkeeping
// travels inside the body itself. The grammar is byte-compatible with the
// bodies already written by earlier deployments; changing any literal here
// breaks recognition of historical conversations.
package marker

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Linefeed tokens used by each side. Desk stores HTML fragments, the
// provider backend stores plain text.
const (
	DeskLinefeed     = "<br>"
	ProviderLinefeed = "\n"
)

// Origin labels embedded in provenance tags.
const (
	LabelDesk       = "CREATED_FROM_DESK"
	LabelProvider   = "CREATED_FROM_PROVIDER"
	LabelMonitoring = "CREATED_FROM_TICKET_MONITORING"
)

// TimeLayout renders tag timestamps: second precision, a space before the
// zone offset. Example: 2021-11-19T19:22:08 +09:00.
const TimeLayout = "2006-01-02T15:04:05 Z07:00"

const timePattern = `[\d]{4}-[\d]{2}-[\d]{2}T[\d]{2}:[\d]{2}:[\d]{2}\s[+-][\d]{2}:[\d]{2}`

// Tag describes a parsed provenance marker.
type Tag struct {
	Label string
	// ID is the foreign entity id the marker points at. Empty for
	// timestamp-only markers (monitoring notes).
	ID   string
	Time string
}

// ParseTime decodes the marker's timestamp.
func (t Tag) ParseTime() (time.Time, error) {
	ts, err := time.Parse(TimeLayout, t.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("marker: bad timestamp %q: %w", t.Time, err)
	}
	return ts, nil
}

// FormatTime renders t in the marker timestamp layout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Normalize rewrites every linefeed token of one convention into the
// other. Bodies are normalized to the destination system's convention
// before a tag is appended.
func Normalize(body, fromLF, toLF string) string {
	if fromLF == toLF {
		return body
	}
	return strings.ReplaceAll(body, fromLF, toLF)
}

// Append returns body with a provenance marker appended as its own
// paragraph, after normalizing the body to the destination linefeed.
func Append(body, label, foreignID string, at time.Time, fromLF, toLF string) string {
	normalized := Normalize(body, fromLF, toLF)
	return fmt.Sprintf("%s%s%s[%s:%s,%s]", normalized, toLF, toLF, label, foreignID, FormatTime(at))
}

// AppendTimeOnly appends an id-less marker, used for service-authored
// monitoring notes.
func AppendTimeOnly(body, label string, at time.Time, lf string) string {
	return fmt.Sprintf("%s%s%s[%s:%s]", body, lf, lf, label, FormatTime(at))
}

// lastLine returns the final line of body under the given linefeed
// convention, ignoring trailing linefeed tokens. Markers are only ever
// recognized there; a marker quoted mid-body (for example in a reply that
// copies earlier text) must not count.
func lastLine(body, lf string) (string, bool) {
	if body == "" || lf == "" {
		return "", false
	}
	trimmed := body
	for strings.HasSuffix(trimmed, lf) {
		trimmed = trimmed[:len(trimmed)-len(lf)]
	}
	idx := strings.LastIndex(trimmed, lf)
	if idx < 0 {
		return "", false
	}
	return trimmed[idx+len(lf):], true
}

var tagRegexps = map[string]*regexp.Regexp{}

func tagRegexp(label string) *regexp.Regexp {
	if re, ok := tagRegexps[label]; ok {
		return re
	}
	re := regexp.MustCompile(`\[` + regexp.QuoteMeta(label) + `:([\d]*),?(` + timePattern + `)\]`)
	tagRegexps[label] = re
	return re
}

func init() {
	// Precompile the fixed label set so lookups stay read-only and safe
	// for concurrent use.
	for _, label := range []string{LabelDesk, LabelProvider, LabelMonitoring} {
		tagRegexp(label)
	}
}

// Find extracts the provenance tag with the given label from body's final
// line. ok is false when no structurally valid marker is present.
func Find(body, label, lf string) (Tag, bool) {
	line, ok := lastLine(body, lf)
	if !ok {
		return Tag{}, false
	}
	m := tagRegexp(label).FindStringSubmatch(line)
	if m == nil {
		return Tag{}, false
	}
	return Tag{Label: label, ID: m[1], Time: m[2]}, true
}

// Tagged reports whether body's final line carries a marker with the
// given label.
func Tagged(body, label, lf string) bool {
	_, ok := Find(body, label, lf)
	return ok
}

// ForeignID returns the id recorded in body's marker for the given
// label, or "" when the body is untagged or the marker carries no id.
// Absence is an ordinary outcome here, never an error.
func ForeignID(body, label, lf string) string {
	tag, ok := Find(body, label, lf)
	if !ok {
		return ""
	}
	return tag.ID
}

// TagTime returns the timestamp recorded in body's marker for the given
// label. A structurally matched marker whose timestamp does not decode is
// a hard error: it means the body was corrupted after tagging.
func TagTime(body, label, lf string) (time.Time, bool, error) {
	tag, ok := Find(body, label, lf)
	if !ok {
		return time.Time{}, false, nil
	}
	ts, err := tag.ParseTime()
	if err != nil {
		return time.Time{}, true, err
	}
	return ts, true, nil
}
