// Package broker is the NATS boundary: it consumes the raw event stream
// and publishes task resubmissions.
package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect dials NATS with reconnect handling. The connection retries
// forever; a flapping broker should surface in logs, not kill the service.
func Connect(url string, reconnectWait time.Duration, log *zap.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if reconnectWait <= 0 {
		reconnectWait = time.Second
	}

	nc, err := nats.Connect(
		url,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("broker disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("broker connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", url, err)
	}
	return nc, nil
}
