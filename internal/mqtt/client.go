// Package mqtt adapts the paho client to the transmit.Publisher boundary.
// It owns the broker connection lifecycle; callers only publish within a
// bounded timeout.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mrhat-cam/sentinel/internal/errors"
)

// Options configures the broker connection.
type Options struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	QoS      byte

	// ConnectTimeout bounds the initial connect wait. The client keeps
	// retrying in the background afterwards, so a slow broker delays
	// delivery instead of failing startup.
	ConnectTimeout time.Duration
}

// Client is a paho-backed publisher.
type Client struct {
	cli    paho.Client
	qos    byte
	logger *slog.Logger
}

// Dial connects to the broker. If the broker is not reachable within the
// connect timeout, Dial still returns a client: publishes fail (and are
// buffered by the pipeline) until the background reconnect succeeds.
func Dial(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pahoOpts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port)).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOrderMatters(true)
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
		pahoOpts.SetPassword(opts.Password)
	}
	pahoOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	})
	pahoOpts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("connected to broker", "broker", opts.Broker, "port", opts.Port)
	})

	cli := paho.NewClient(pahoOpts)
	token := cli.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		logger.Warn("broker not reachable yet, continuing with background reconnect",
			"broker", opts.Broker, "port", opts.Port)
	} else if err := token.Error(); err != nil {
		return nil, errors.NewTransport("connect", err)
	}

	return &Client{cli: cli, qos: opts.QoS, logger: logger}, nil
}

// Publish sends payload to topic and waits for the broker acknowledgement
// within the context deadline. It never blocks past the deadline.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.cli.IsConnected() {
		return errors.NewTransport(topic, fmt.Errorf("not connected"))
	}

	token := c.cli.Publish(topic, c.qos, false, payload)

	wait := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait <= 0 || !token.WaitTimeout(wait) {
		return errors.NewTimeout("publish", nil)
	}
	if err := token.Error(); err != nil {
		return errors.NewTransport(topic, err)
	}
	return nil
}

// Connected reports whether the broker link is up.
func (c *Client) Connected() bool {
	return c.cli.IsConnected()
}

// Close disconnects from the broker, allowing a short drain for in-flight
// acknowledgements.
func (c *Client) Close() {
	c.cli.Disconnect(250)
}
