// Package cli is the interactive terminal surface, mainly used for local
// development and standalone mode.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/BangRocket/mypalclara/internal/bus"
	"github.com/BangRocket/mypalclara/internal/channels"
	"github.com/BangRocket/mypalclara/pkg/protocol"
)

// Commander answers slash commands synchronously. Implemented by the gateway.
type Commander func(ctx context.Context, req protocol.CommandRequest) protocol.CommandResponse

// Adapter reads lines from stdin and prints replies to stdout.
type Adapter struct {
	*channels.BaseAdapter
	in      io.Reader
	out     io.Writer
	userID  string
	command Commander
}

func New(router bus.MessageRouter, command Commander) *Adapter {
	userID := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		userID = u.Username
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("cli", router),
		in:          os.Stdin,
		out:         os.Stdout,
		userID:      userID,
		command:     command,
	}
}

// Start launches the read loop. Lines starting with '/' are dispatched as
// gateway commands; everything else becomes a chat turn.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetRunning(true)
	fmt.Fprintln(a.out, "clara ready. Type a message, /help for commands, Ctrl-D to quit.")

	go func() {
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				a.runCommand(ctx, line)
				continue
			}
			a.Publish(bus.InboundMessage{
				AdapterName: "cli",
				ChannelID:   "local",
				ChannelName: "terminal",
				ChannelKind: bus.KindDM,
				UserID:      a.userID,
				DisplayName: a.userID,
				Content:     line,
			})
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("cli read loop ended", "error", err)
		}
		a.SetRunning(false)
	}()
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	return nil
}

func (a *Adapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(a.out, "\nclara> %s\n", msg.Content)
	return err
}

func (a *Adapter) runCommand(ctx context.Context, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return
	}
	name := fields[0]

	if name == "help" {
		fmt.Fprintln(a.out, "commands: /memory-search <query>, /memory-key, /memory-graph [query], /history, /status, /mcp-status")
		return
	}
	if a.command == nil {
		fmt.Fprintln(a.out, "commands unavailable")
		return
	}

	args := map[string]json.RawMessage{}
	if rest := strings.Join(fields[1:], " "); rest != "" {
		quoted, _ := json.Marshal(rest)
		args["query"] = quoted
	}

	resp := a.command(ctx, protocol.CommandRequest{
		Command: name,
		Args:    args,
		UserID:  "cli-" + a.userID,
	})
	if !resp.Success {
		fmt.Fprintf(a.out, "error: %s\n", resp.Error)
		return
	}
	pretty, err := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	if err != nil {
		fmt.Fprintf(a.out, "%s\n", resp.Data)
		return
	}
	fmt.Fprintf(a.out, "%s\n", pretty)
}
