package tools

import "context"

// Tool execution context keys. Per-turn state travels in the context instead
// of mutable fields on tool instances, keeping tools safe for concurrent
// execution across channels.

type toolContextKey string

const (
	ctxUserIDs   toolContextKey = "tool_user_ids"
	ctxChannelID toolContextKey = "tool_channel_id"
)

// WithToolUserIDs attaches the turn's linked user ids for memory-aware tools.
func WithToolUserIDs(ctx context.Context, userIDs []string) context.Context {
	return context.WithValue(ctx, ctxUserIDs, userIDs)
}

func ToolUserIDsFromCtx(ctx context.Context) []string {
	v, _ := ctx.Value(ctxUserIDs).([]string)
	return v
}

func WithToolChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, ctxChannelID, channelID)
}

func ToolChannelIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannelID).(string)
	return v
}
