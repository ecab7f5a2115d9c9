package notify

import (
	"fmt"
	"time"
)

// Notification timestamps are rendered in Vietnam time regardless of host
// timezone. FixedZone is the fallback for hosts without tzdata.
var location = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		return time.FixedZone("UTC+7", 7*60*60)
	}
	return loc
}

// Location returns the notification timezone.
func Location() *time.Location { return location }

const (
	labelUnlocked = "Tài khoản đã mở khoá"
	labelBanned   = "Tài khoản bị cấm"
)

// Render produces the fixed Markdown notification for one account check.
// Both timestamp lines derive from the same instant, expressed in the
// notification timezone.
func Render(account string, unlocked bool, at time.Time) string {
	at = at.In(location)
	isoTS := at.Format("2006-01-02 15:04:05")
	ddmmyy := at.Format("02/01/2006 15:04:05")

	status := labelBanned
	if unlocked {
		status = labelUnlocked
	}

	return fmt.Sprintf(
		"🔔 *THÔNG BÁO*\n"+
			"📝 *Nội dung:* 🔎 *KIỂM TRA GARENA*\n"+
			"📛 *Tên tài khoản:* `%s`\n"+
			"📌 *Trạng thái:* *%s*\n"+
			"⏱️ `%s`\n"+
			"🕒 *Thời gian:* %s\n",
		account, status, isoTS, ddmmyy,
	)
}
