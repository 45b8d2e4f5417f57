package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes events on NATS core subjects named
// <prefix>.<event type>.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

type NATSConfig struct {
	URL     string
	Subject string
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("guardian"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	prefix := cfg.Subject
	if prefix == "" {
		prefix = "guardian.events"
	}
	return &NATSBus{nc: nc, prefix: prefix}, nil
}

func (b *NATSBus) subject(typ string) string {
	return b.prefix + "." + typ
}

func (b *NATSBus) Publish(ctx context.Context, evt CanonicalEvent) error {
	if !evt.MinimalValidate() {
		return fmt.Errorf("invalid event: missing required fields")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject(evt.Type), data)
}

// Subscribe delivers events of every type until ctx is cancelled.
func (b *NATSBus) Subscribe(ctx context.Context, handler func(CanonicalEvent)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		var evt CanonicalEvent
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			handler(evt)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

// Close flushes pending messages and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
