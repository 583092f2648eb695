package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/cg-telemetry/cg-ingester/internal/config"
)

const (
	subscribeQoS      = 1
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// MessageFunc receives every delivery from the subscribed topics. It must not
// block for long: it runs on the paho router goroutine and a stalled callback
// stalls the whole subscription.
type MessageFunc func(topic string, payload []byte)

// Client wraps the paho MQTT client: QoS 1 subscriptions on the two ingest
// topic filters, automatic reconnect with resubscription, and a connection
// probe for the readiness endpoint.
type Client struct {
	cfg       config.MQTTConfig
	logger    *zap.Logger
	onMessage MessageFunc
	client    paho.Client
}

func New(cfg config.MQTTConfig, logger *zap.Logger, onMessage MessageFunc) *Client {
	return &Client{cfg: cfg, logger: logger, onMessage: onMessage}
}

func (c *Client) brokerURL() string {
	scheme := "tcp"
	if c.cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
}

// Start connects to the broker and subscribes. Subscriptions are installed
// from the OnConnect hook so they survive reconnects.
func (c *Client) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(time.Duration(c.cfg.KeepaliveSec) * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetOnConnectHandler(func(cl paho.Client) {
		c.logger.Info("mqtt connected", zap.String("broker", c.brokerURL()))
		c.subscribe(cl)
	})
	opts.SetConnectionLostHandler(func(cl paho.Client, err error) {
		c.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(cl paho.Client, o *paho.ClientOptions) {
		c.logger.Info("mqtt reconnecting", zap.String("broker", c.brokerURL()))
	})

	c.client = paho.NewClient(opts)

	token := c.client.Connect()
	select {
	case <-ctx.Done():
		c.client.Disconnect(disconnectQuiesce)
		return ctx.Err()
	case <-token.Done():
	case <-time.After(connectTimeout):
		// With connect retry enabled paho keeps trying in the background;
		// readiness reports the connection state in the meantime.
		c.logger.Warn("mqtt connect still pending, continuing in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to mqtt broker %s: %w", c.brokerURL(), err)
	}
	return nil
}

func (c *Client) subscribe(cl paho.Client) {
	filters := map[string]byte{
		c.cfg.TopicGPS:     subscribeQoS,
		c.cfg.TopicDecoded: subscribeQoS,
	}
	token := cl.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		c.onMessage(m.Topic(), m.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt subscribe failed", zap.Error(err))
			return
		}
		c.logger.Info("mqtt subscribed",
			zap.String("gps", c.cfg.TopicGPS),
			zap.String("decoded", c.cfg.TopicDecoded),
		)
	}()
}

// Connected reports whether the broker session is currently up.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Stop disconnects, letting in-flight QoS 1 acks drain briefly.
func (c *Client) Stop() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("mqtt disconnected")
}
