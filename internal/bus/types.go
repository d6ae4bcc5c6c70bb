package bus

import (
	"context"
)

// Channel kinds for inbound messages.
const (
	KindDM    = "dm"
	KindText  = "text"
	KindGroup = "group"
)

// Attachment is a file delivered alongside an inbound message.
// Adapters resolve platform handles to a URL or local path; TextContent is
// populated only for small text files the adapter already fetched.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
	TextContent string `json:"text_content,omitempty"`
}

// InboundMessage is the adapter → gateway contract: one conversational turn
// received from a messaging surface.
type InboundMessage struct {
	Adapter     string       `json:"adapter"`      // "cli", "discord", "telegram", ...
	AdapterName string       `json:"adapter_name"` // human name of the surface instance
	ChannelID   string       `json:"channel_id"`   // platform DM/group identifier
	ChannelName string       `json:"channel_name"`
	ChannelKind string       `json:"channel_kind"` // dm | text | group
	UserID      string       `json:"user_id"`      // platform user id (un-prefixed)
	DisplayName string       `json:"display_name,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Tier        string       `json:"tier,omitempty"` // high | mid | low | ""
	Mentioned   bool         `json:"mentioned,omitempty"`
	FromSelf    bool         `json:"from_self,omitempty"`
	MaxSendLen  int          `json:"max_send_len,omitempty"` // adapter's outbound chunk cap
}

// OutboundMessage is one pre-split chunk on its way back to an adapter.
type OutboundMessage struct {
	Adapter   string `json:"adapter"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// MessageHandler handles an inbound message.
type MessageHandler func(InboundMessage) error

// MessageRouter abstracts inbound/outbound routing between adapters and the gateway.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
