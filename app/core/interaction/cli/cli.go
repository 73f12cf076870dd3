package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"lunchrun/app/pkg/types"
)

var _ types.Channel = (*CLIChannel)(nil)

// CLIChannel is an interactive terminal session bound to one conversation.
// The conversation id returned by the first turn is reused for every
// following line until "/new" starts over.
type CLIChannel struct {
	id     string
	userID string
	in     io.Reader
	out    io.Writer

	mu             sync.Mutex
	conversationID string
}

func NewCLIChannel(userID string) *CLIChannel {
	return newChannel(userID, os.Stdin, os.Stdout)
}

func newChannel(userID string, in io.Reader, out io.Writer) *CLIChannel {
	if strings.TrimSpace(userID) == "" {
		userID = "local_user"
	}
	return &CLIChannel{id: "cli", userID: userID, in: in, out: out}
}

func (c *CLIChannel) ID() string {
	return c.id
}

// Resume continues an existing conversation instead of starting a new one.
func (c *CLIChannel) Resume(conversationID string) {
	c.mu.Lock()
	c.conversationID = strings.TrimSpace(conversationID)
	c.mu.Unlock()
}

func (c *CLIChannel) conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *CLIChannel) Start(ctx context.Context, handler func(types.Message)) error {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprintln(c.out, ">> LunchRun CLI started. Type '/new' for a new order, 'exit' to quit.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			fmt.Fprint(c.out, "> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			text := strings.TrimSpace(scanner.Text())
			switch text {
			case "":
				continue
			case "exit", "quit":
				fmt.Fprintln(c.out, "Exiting CLI loop...")
				return nil
			case "/new":
				c.Resume("")
				fmt.Fprintln(c.out, "[LunchRun]: started a new conversation.")
				continue
			}

			handler(types.Message{
				ID:             fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				Content:        text,
				Role:           types.MessageRoleUser,
				ChannelID:      c.id,
				UserID:         c.userID,
				ConversationID: c.conversation(),
				Meta: map[string]interface{}{
					"user_id": c.userID,
				},
			})
		}
	}
}

func (c *CLIChannel) Send(ctx context.Context, msg types.Message) error {
	if id := strings.TrimSpace(msg.ConversationID); id != "" {
		c.mu.Lock()
		if c.conversationID == "" {
			c.conversationID = id
		}
		c.mu.Unlock()
	}

	if len(msg.Events) == 0 {
		fmt.Fprintf(c.out, "[LunchRun]: %s\n", msg.Content)
		return nil
	}
	for _, ev := range msg.Events {
		switch ev.Type {
		case types.EventMessage:
			fmt.Fprintf(c.out, "[LunchRun]: %s\n", ev.Content)
		case types.EventError:
			fmt.Fprintf(c.out, "[LunchRun][error]: %s\n", ev.Content)
		case types.EventStructured:
			data, err := json.Marshal(ev.Data)
			if err != nil {
				data = []byte(fmt.Sprint(ev.Data))
			}
			fmt.Fprintf(c.out, "[LunchRun][%s]: %s\n", ev.Kind, data)
		}
	}
	return nil
}
