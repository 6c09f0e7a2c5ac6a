package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"riderconnect-server/domain"
	"riderconnect-server/retry"
)

// Conn is the part of *nats.Conn the relay needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher mirrors every group broadcast onto NATS subject "<prefix>.<groupId>"
// after handing it to the local room index. Push gateways and other consumers
// subscribe there; failures never block local delivery.
type Publisher struct {
	next   domain.Publisher
	nc     Conn
	prefix string
}

func New(next domain.Publisher, nc Conn, prefix string) *Publisher {
	return &Publisher{next: next, nc: nc, prefix: prefix}
}

func (p *Publisher) Broadcast(groupID string, data []byte) {
	p.next.Broadcast(groupID, data)

	subject := p.prefix + "." + groupID
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Warn("relay publish failed", "subject", subject, "error", err)
	}
}

// Connect dials NATS with retries, following the reconnect policy of the other
// chat services: unlimited reconnects, 2s apart.
func Connect(ctx context.Context, url, name string) (*nats.Conn, error) {
	return retry.Connect(ctx, "nats", func(context.Context) (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
	})
}
