package channels

import (
	"context"

	"github.com/harun/switchboard/pkg/bus"
)

// Channel is a chat platform adapter (cli, telegram, gateway, ...). Start
// publishes inbound messages onto the bus; Send delivers one outbound message
// to the platform.
type Channel interface {
	Name() string
	Start(ctx context.Context, b *bus.MessageBus) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}
