package notify

import (
	"strings"
	"testing"
	"time"
)

func TestRenderUnlocked(t *testing.T) {
	t.Parallel()

	// 2025-06-01 05:00:00 UTC is 12:00:00 in Asia/Ho_Chi_Minh (UTC+7).
	at := time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)
	msg := Render("gamer123", true, at)

	for _, want := range []string{
		"🔔 *THÔNG BÁO*",
		"*KIỂM TRA GARENA*",
		"`gamer123`",
		labelUnlocked,
		"2025-06-01 12:00:00",
		"01/06/2025 12:00:00",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, labelBanned) {
		t.Fatalf("unlocked message carries the banned label:\n%s", msg)
	}
}

func TestRenderBanned(t *testing.T) {
	t.Parallel()

	msg := Render("acc", false, time.Now())
	if !strings.Contains(msg, labelBanned) {
		t.Fatalf("message missing banned label:\n%s", msg)
	}
	if strings.Contains(msg, labelUnlocked) {
		t.Fatalf("banned message carries the unlocked label:\n%s", msg)
	}
}

func TestRenderSameInstantBothFormats(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 12, 31, 23, 59, 59, 0, location)
	msg := Render("acc", true, at)
	if !strings.Contains(msg, "2025-12-31 23:59:59") {
		t.Fatalf("iso timestamp missing:\n%s", msg)
	}
	if !strings.Contains(msg, "31/12/2025 23:59:59") {
		t.Fatalf("dd/mm timestamp missing:\n%s", msg)
	}
}

func TestLocationOffset(t *testing.T) {
	t.Parallel()

	// Whether tzdata resolved or the fixed fallback applies, the offset for a
	// modern date is +7h (Vietnam has no DST).
	_, offset := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).In(Location()).Zone()
	if offset != 7*60*60 {
		t.Fatalf("offset = %d, want +7h", offset)
	}
}
