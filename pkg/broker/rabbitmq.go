// Copyright 2025 Arcade Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig represents RabbitMQ publisher configuration
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	// Username and Password are applied when URL carries no credentials
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UseTLS   bool   `mapstructure:"useTLS"`
}

// Publisher publishes messages to a durable topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// DialURL returns the AMQP URL of cfg with credentials filled in.
func DialURL(cfg RabbitMQConfig) (string, error) {
	uri, err := amqp.ParseURI(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid rabbitmq url: %w", err)
	}
	// ParseURI fills guest/guest when the URL has no userinfo
	if cfg.Username != "" && (uri.Username == "" || uri.Username == "guest") {
		uri.Username = cfg.Username
		uri.Password = cfg.Password
	}
	return uri.String(), nil
}

// NewPublisher connects to RabbitMQ and declares the exchange.
func NewPublisher(cfg RabbitMQConfig) (*Publisher, error) {
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq exchange is required")
	}
	url, err := DialURL(cfg)
	if err != nil {
		return nil, err
	}

	var conn *amqp.Connection
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(url, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open channel: %w", err), conn.Close())
	}

	if err = channel.ExchangeDeclare(
		cfg.Exchange,
		"topic", // topic type exchange
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to declare exchange: %w", err), channel.Close(), conn.Close())
	}

	return &Publisher{conn: conn, channel: channel, exchange: cfg.Exchange}, nil
}

// Publish sends a persistent JSON message with the given routing key.
func (p *Publisher) Publish(ctx context.Context, key, messageID string, body []byte, headers map[string]string) error {
	amqpHeaders := make(amqp.Table, len(headers))
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			MessageId:    messageID,
			Headers:      amqpHeaders,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
