package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoConfig holds the connection settings for PahoDialer.
type PahoConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientPrefix   string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

var errTokenTimeout = errors.New("timed out waiting for broker acknowledgement")

// PahoDialer returns a Dialer backed by the Eclipse Paho client. Paho's
// own reconnect logic is disabled; Client.Run owns reconnection.
func PahoDialer(cfg PahoConfig) Dialer {
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "backend-api"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return func(ctx context.Context, onMessage MessageHandler, onLost func(error)) (Conn, error) {
		addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
		opts := mqtt.NewClientOptions().
			AddBroker(addr).
			SetClientID(fmt.Sprintf("%s-%d", cfg.ClientPrefix, time.Now().UnixMilli())).
			SetUsername(cfg.Username).
			SetPassword(cfg.Password).
			SetKeepAlive(cfg.KeepAlive).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetCleanSession(true).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
				onMessage(m.Topic(), m.Payload())
			}).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				onLost(err)
			})

		client := mqtt.NewClient(opts)
		if err := waitToken(ctx, client.Connect(), cfg.ConnectTimeout); err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return &pahoConn{client: client, timeout: cfg.ConnectTimeout}, nil
	}
}

type pahoConn struct {
	client  mqtt.Client
	timeout time.Duration
}

func (p *pahoConn) Subscribe(qos byte, topics ...string) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	// nil callback routes deliveries to the default publish handler.
	return waitToken(context.Background(), p.client.SubscribeMultiple(filters, nil), p.timeout)
}

func (p *pahoConn) Unsubscribe(topics ...string) error {
	return waitToken(context.Background(), p.client.Unsubscribe(topics...), p.timeout)
}

func (p *pahoConn) Publish(topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(context.Background(), p.client.Publish(topic, qos, false, payload), p.timeout)
}

func (p *pahoConn) Close() {
	p.client.Disconnect(250)
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
