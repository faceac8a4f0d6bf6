package marker

import (
	"strings"
	"testing"
	"time"
)

func tagTestTime(t *testing.T) time.Time {
	t.Helper()
	zone := time.FixedZone("KST", 9*60*60)
	return time.Date(2021, 11, 19, 19, 22, 8, 0, zone)
}

func TestAppendAndFindRoundTrip(t *testing.T) {
	at := tagTestTime(t)
	body := "first line<br>second line"

	tagged := Append(body, LabelDesk, "223", at, DeskLinefeed, ProviderLinefeed)

	if strings.Contains(tagged, DeskLinefeed) {
		t.Errorf("body not normalized to destination linefeed: %q", tagged)
	}
	tag, ok := Find(tagged, LabelDesk, ProviderLinefeed)
	if !ok {
		t.Fatalf("Find did not recognize appended tag in %q", tagged)
	}
	if tag.ID != "223" {
		t.Errorf("expected id 223, got %q", tag.ID)
	}
	parsed, err := tag.ParseTime()
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if !parsed.Equal(at) {
		t.Errorf("expected time %v, got %v", at, parsed)
	}
}

func TestAppendRendersExpectedLiteral(t *testing.T) {
	at := tagTestTime(t)
	got := Append("hello", LabelProvider, "549417328", at, ProviderLinefeed, DeskLinefeed)
	want := "hello<br><br>[CREATED_FROM_PROVIDER:549417328,2021-11-19T19:22:08 +09:00]"
	if got != want {
		t.Errorf("Append rendered %q, want %q", got, want)
	}
}

func TestFindIgnoresMarkerOutsideLastLine(t *testing.T) {
	at := tagTestTime(t)
	tagged := Append("original", LabelProvider, "11", at, ProviderLinefeed, DeskLinefeed)
	// A reply quoting a tagged body pushes the old marker off the last
	// line; it must no longer count.
	quoted := tagged + DeskLinefeed + "thanks, resolved"

	if Tagged(quoted, LabelProvider, DeskLinefeed) {
		t.Error("quoted marker off the last line should not be recognized")
	}
}

func TestFindIgnoresTrailingLinefeeds(t *testing.T) {
	at := tagTestTime(t)
	tagged := Append("original", LabelProvider, "11", at, ProviderLinefeed, DeskLinefeed)
	padded := tagged + DeskLinefeed + DeskLinefeed

	if !Tagged(padded, LabelProvider, DeskLinefeed) {
		t.Error("trailing linefeeds should not hide the marker")
	}
}

func TestFindWrongLabel(t *testing.T) {
	at := tagTestTime(t)
	tagged := Append("body", LabelDesk, "5", at, DeskLinefeed, ProviderLinefeed)

	if Tagged(tagged, LabelProvider, ProviderLinefeed) {
		t.Error("desk tag recognized under provider label")
	}
}

func TestForeignIDAbsent(t *testing.T) {
	if got := ForeignID("no marker here", LabelDesk, DeskLinefeed); got != "" {
		t.Errorf("expected empty id for untagged body, got %q", got)
	}
	// Untagged is an ordinary outcome even when the body has structure.
	body := "line one<br>line two<br>line three"
	if got := ForeignID(body, LabelProvider, DeskLinefeed); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}

func TestAppendTimeOnly(t *testing.T) {
	at := tagTestTime(t)
	body := AppendTimeOnly("note text", LabelMonitoring, at, DeskLinefeed)

	if !Tagged(body, LabelMonitoring, DeskLinefeed) {
		t.Fatalf("time-only marker not recognized in %q", body)
	}
	if got := ForeignID(body, LabelMonitoring, DeskLinefeed); got != "" {
		t.Errorf("time-only marker should carry no id, got %q", got)
	}
	ts, ok, err := TagTime(body, LabelMonitoring, DeskLinefeed)
	if err != nil || !ok {
		t.Fatalf("TagTime failed: ok=%v err=%v", ok, err)
	}
	if !ts.Equal(at) {
		t.Errorf("expected %v, got %v", at, ts)
	}
}

func TestNegativeOffsetAccepted(t *testing.T) {
	zone := time.FixedZone("EST", -5*60*60)
	at := time.Date(2022, 3, 1, 8, 0, 0, 0, zone)
	tagged := Append("body", LabelDesk, "77", at, ProviderLinefeed, ProviderLinefeed)

	ts, ok, err := TagTime(tagged, LabelDesk, ProviderLinefeed)
	if err != nil || !ok {
		t.Fatalf("TagTime failed for negative offset: ok=%v err=%v", ok, err)
	}
	if !ts.Equal(at) {
		t.Errorf("expected %v, got %v", at, ts)
	}
}

func TestIdempotentRecognition(t *testing.T) {
	// The reconciler's exactly-once behavior rests on this: a mirrored
	// body stays recognizable however many times it is re-read.
	at := tagTestTime(t)
	tagged := Append("payload", LabelDesk, "42", at, DeskLinefeed, ProviderLinefeed)
	for i := 0; i < 3; i++ {
		if ForeignID(tagged, LabelDesk, ProviderLinefeed) != "42" {
			t.Fatalf("recognition unstable on pass %d", i)
		}
	}
}
