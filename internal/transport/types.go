// Package transport defines the thin seam between the bot's services and
// the chat platform, so notify/watcher never import a Telegram library.
package transport

import "context"

type SendOptions struct {
	Markdown       bool
	DisablePreview bool
}

// Sender delivers a text message to a chat. Failures are returned, never
// panicked; the caller decides whether to retry on a later sweep.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) error
}
