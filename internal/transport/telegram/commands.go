package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"unlockbot/internal/notify"
	"unlockbot/internal/store"
	"unlockbot/internal/watcher"
	logx "unlockbot/pkg/logx"
)

const handlerTimeout = 10 * time.Second

// Deps are the services the chat commands operate on.
type Deps struct {
	Store   store.Store
	Notify  *notify.Service
	Watcher *watcher.Service
}

const helpText = "Bot kiểm tra Garena — lệnh:\n" +
	"/add <account>\n" +
	"/remove <account>\n" +
	"/list\n" +
	"/interval <phút>\n" +
	"/setapi <url>\n" +
	"/settoken <bearer_token>\n" +
	"/testnotify <account>\n" +
	"/status"

// RegisterCommands wires the chat command handlers and publishes the
// command menu.
func (a *Adapter) RegisterCommands(deps Deps) {
	a.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(helpText)
	})

	a.bot.Handle("/add", a.handler(func(ctx context.Context, c tele.Context) error {
		acc := firstArg(c)
		if acc == "" {
			return c.Send("Dùng: /add <account>")
		}
		if err := deps.Store.AddAccount(ctx, c.Chat().ID, acc); err != nil {
			a.log.Error("add account failed", logx.String("account", acc), logx.Err(err))
			return c.Send("Lỗi: không lưu được.")
		}
		return c.Send("Đã thêm: " + acc)
	}))

	a.bot.Handle("/remove", a.handler(func(ctx context.Context, c tele.Context) error {
		acc := firstArg(c)
		if acc == "" {
			return c.Send("Dùng: /remove <account>")
		}
		removed, err := deps.Store.RemoveAccount(ctx, c.Chat().ID, acc)
		if err != nil {
			a.log.Error("remove account failed", logx.String("account", acc), logx.Err(err))
			return c.Send("Lỗi: không lưu được.")
		}
		if !removed {
			return c.Send("Không tìm thấy: " + acc)
		}
		return c.Send("Đã xoá: " + acc)
	}))

	a.bot.Handle("/list", a.handler(func(ctx context.Context, c tele.Context) error {
		sub, err := deps.Store.Subscriber(ctx, c.Chat().ID)
		if err != nil {
			return c.Send("Lỗi: không đọc được dữ liệu.")
		}
		ep, err := deps.Store.Endpoint(ctx)
		if err != nil {
			return c.Send("Lỗi: không đọc được dữ liệu.")
		}
		rows := "- (trống)"
		if len(sub.Accounts) > 0 {
			var b strings.Builder
			for i, acc := range sub.Accounts {
				if i > 0 {
					b.WriteString("\n")
				}
				b.WriteString("- ")
				b.WriteString(acc)
			}
			rows = b.String()
		}
		apiURL := ep.URL
		if apiURL == "" {
			apiURL = "(chưa đặt)"
		}
		return c.Send(fmt.Sprintf("Đang theo dõi:\n%s\nChu kỳ: %s\nAPI: %s",
			rows, sub.Interval.Std(), apiURL))
	}))

	a.bot.Handle("/interval", a.handler(func(ctx context.Context, c tele.Context) error {
		raw := firstArg(c)
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 1 {
			return c.Send("Dùng: /interval <phút>")
		}
		every := time.Duration(minutes) * time.Minute
		if err := deps.Store.SetInterval(ctx, c.Chat().ID, every); err != nil {
			return c.Send("Lỗi: không lưu được.")
		}
		return c.Send(fmt.Sprintf("Đã đặt chu kỳ: %d phút", minutes))
	}))

	a.bot.Handle("/setapi", a.handler(func(ctx context.Context, c tele.Context) error {
		if !a.isOwner(c.Sender().ID) {
			return c.Send("Chỉ chủ bot mới được đổi cấu hình API.")
		}
		url := firstArg(c)
		if url == "" {
			return c.Send("Dùng: /setapi <url>")
		}
		if err := deps.Store.SetEndpointURL(ctx, url); err != nil {
			return c.Send("Lỗi: không lưu được.")
		}
		return c.Send("Đã lưu API URL: " + url)
	}))

	a.bot.Handle("/settoken", a.handler(func(ctx context.Context, c tele.Context) error {
		if !a.isOwner(c.Sender().ID) {
			return c.Send("Chỉ chủ bot mới được đổi cấu hình API.")
		}
		tok := firstArg(c)
		if tok == "" {
			return c.Send("Dùng: /settoken <bearer_token>")
		}
		if err := deps.Store.SetEndpointToken(ctx, tok); err != nil {
			return c.Send("Lỗi: không lưu được.")
		}
		// Never echo the token back.
		return c.Send("Đã lưu Bearer token.")
	}))

	a.bot.Handle("/testnotify", a.handler(func(ctx context.Context, c tele.Context) error {
		acc := firstArg(c)
		if acc == "" {
			return c.Send("Dùng: /testnotify <account>")
		}
		// Renders and sends a sample notification; the unlocked cache is not
		// touched.
		if err := deps.Notify.Send(ctx, c.Chat().ID, notify.Render(acc, true, time.Now())); err != nil {
			return c.Send("Lỗi: không gửi được thông báo.")
		}
		return nil
	}))

	a.bot.Handle("/status", a.handler(func(ctx context.Context, c tele.Context) error {
		snap, err := deps.Store.Snapshot(ctx)
		if err != nil {
			return c.Send("Lỗi: không đọc được dữ liệu.")
		}
		accounts := 0
		for _, sub := range snap.Subscribers {
			accounts += len(sub.Accounts)
		}
		st := deps.Watcher.Status()
		lastSweep := "never"
		if !st.LastSweep.IsZero() {
			lastSweep = fmt.Sprintf("%s (took %s, probed %d, notified %d)",
				st.LastSweep.In(notify.Location()).Format("2006-01-02 15:04:05"),
				st.LastDuration.Round(time.Millisecond), st.LastProbed, st.LastNotified)
		}
		return c.Send(fmt.Sprintf(
			"subscribers: %d\naccounts: %d\nendpoint configured: %t\nlast sweep: %s",
			len(snap.Subscribers), accounts, snap.Endpoint.Configured(), lastSweep))
	}))

	a.publishMenu()
}

// handler wraps a command with a bounded context.
func (a *Adapter) handler(fn func(ctx context.Context, c tele.Context) error) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		return fn(ctx, c)
	}
}

func firstArg(c tele.Context) string {
	args := c.Args()
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}

func (a *Adapter) publishMenu() {
	cmds := []tele.Command{
		{Text: "add", Description: "Theo dõi một tài khoản"},
		{Text: "remove", Description: "Bỏ theo dõi một tài khoản"},
		{Text: "list", Description: "Danh sách đang theo dõi"},
		{Text: "interval", Description: "Đặt chu kỳ kiểm tra (phút)"},
		{Text: "setapi", Description: "Đặt API URL"},
		{Text: "settoken", Description: "Đặt Bearer token"},
		{Text: "testnotify", Description: "Gửi thông báo thử"},
		{Text: "status", Description: "Trạng thái bot"},
	}
	if err := a.bot.SetCommands(cmds); err != nil {
		a.log.Warn("publishing command menu failed", logx.Err(err))
	}
}
