package transport

import (
	"context"
	"errors"
)

// ErrNotFound is returned by outbound operations when the referenced
// message (or chat) no longer exists. Callers performing cleanup treat
// it as already satisfied.
var ErrNotFound = errors.New("message not found")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEdited  UpdateKind = "edited"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is a transport-neutral view of an inbound chat message.
// For media posts, Text carries the caption.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	HasMedia     bool
	IsGroup      bool
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Reply(ctx context.Context, to MessageRef, text string, opt *SendOptions) (MessageRef, error)
	React(ctx context.Context, ref MessageRef, emoji string) error
	Delete(ctx context.Context, ref MessageRef) error
}
