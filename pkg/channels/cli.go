package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/switchboard/pkg/bus"
)

const (
	CLIName     = "cli"
	cliChatID   = "direct"
	cliSenderID = "user"
	cliPrompt   = "> "
)

// CLIChannel reads one message per line from in and writes replies to out.
// "exit" or "quit" ends input and calls onExit when set.
type CLIChannel struct {
	in     io.Reader
	out    io.Writer
	onExit func()
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

func NewCLIChannel(in io.Reader, out io.Writer, onExit func(), logger zerolog.Logger) *CLIChannel {
	return &CLIChannel{
		in:     in,
		out:    out,
		onExit: onExit,
		logger: logger.With().Str("channel", CLIName).Logger(),
	}
}

func (c *CLIChannel) Name() string {
	return CLIName
}

// Start begins reading input in the background.
func (c *CLIChannel) Start(ctx context.Context, b *bus.MessageBus) error {
	if b == nil {
		return fmt.Errorf("message bus is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("channel already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.readLoop(runCtx, b, c.done)
	c.prompt()
	return nil
}

func (c *CLIChannel) readLoop(ctx context.Context, b *bus.MessageBus, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			c.prompt()
			continue
		case "exit", "quit":
			c.logger.Info().Msg("CLI input closed by user")
			if c.onExit != nil {
				c.onExit()
			}
			return
		}

		err := b.PublishInbound(ctx, bus.InboundMessage{
			Channel:   CLIName,
			ChatID:    cliChatID,
			SenderID:  cliSenderID,
			Content:   line,
			Metadata:  map[string]any{bus.MetaMessageID: uuid.NewString()},
			Timestamp: time.Now(),
		})
		if err != nil {
			if errors.Is(err, bus.ErrBusClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Failed to publish CLI input")
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error().Err(err).Msg("CLI input failed")
	}
}

// Stop ends the read loop. A read blocked on the underlying reader is
// abandoned rather than interrupted.
func (c *CLIChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Send prints msg followed by a fresh prompt.
func (c *CLIChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	var prefix string
	switch {
	case msg.Metadata[bus.MetaSubagentID] != nil:
		prefix = "[background] "
	case msg.Flag(bus.MetaError):
		prefix = "[error] "
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.out, "\n%s%s\n", prefix, msg.Content); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	_, err := io.WriteString(c.out, cliPrompt)
	return err
}

func (c *CLIChannel) prompt() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = io.WriteString(c.out, cliPrompt)
}
