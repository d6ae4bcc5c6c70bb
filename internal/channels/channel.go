// Package channels hosts the chat surface adapters. An adapter translates a
// platform's events into bus.InboundMessage and delivers pre-split outbound
// chunks through its native send API; all conversational logic lives in the
// gateway.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/BangRocket/mypalclara/internal/bus"
)

// Adapter is implemented by every chat surface.
type Adapter interface {
	// Name returns the adapter identifier ("cli", "discord", "telegram").
	Name() string

	// Start begins receiving platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers one pre-split outbound chunk.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is receiving events.
	IsRunning() bool
}

// BaseAdapter carries the pieces every adapter shares. Embed it.
type BaseAdapter struct {
	name    string
	router  bus.MessageRouter
	running atomic.Bool
}

func NewBaseAdapter(name string, router bus.MessageRouter) *BaseAdapter {
	return &BaseAdapter{name: name, router: router}
}

func (a *BaseAdapter) Name() string { return a.name }

func (a *BaseAdapter) IsRunning() bool { return a.running.Load() }

func (a *BaseAdapter) SetRunning(on bool) { a.running.Store(on) }

func (a *BaseAdapter) Router() bus.MessageRouter { return a.router }

// Publish forwards an inbound message to the gateway.
func (a *BaseAdapter) Publish(msg bus.InboundMessage) {
	msg.Adapter = a.name
	a.router.PublishInbound(msg)
}

// Allowed checks an id against an allow-list. An empty list allows everyone.
func Allowed(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, allowed := range list {
		if allowed == id {
			return true
		}
	}
	return false
}

// Truncate shortens s to maxLen, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
