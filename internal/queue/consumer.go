package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// StockAlertConsumer listens on the medication.stock.low queue and appends
// one line per alert to a log file for the pharmacy.
type StockAlertConsumer struct {
	url     string
	logPath string
	log     zerolog.Logger
}

// NewStockAlertConsumer returns a consumer writing to logPath
// (logs/stock_alerts.log when empty).
func NewStockAlertConsumer(url, logPath string, logger zerolog.Logger) *StockAlertConsumer {
	if url == "" {
		url = DefaultURL
	}
	if logPath == "" {
		logPath = filepath.Join("logs", "stock_alerts.log")
	}
	return &StockAlertConsumer{
		url:     url,
		logPath: logPath,
		log:     logger.With().Str("component", "stock-alert-consumer").Logger(),
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// exponential backoff (capped at 30s) whenever the broker goes away.
func (c *StockAlertConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := dial(ctx, c.url)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("failed to dial broker")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *StockAlertConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn().Err(err).Msg("set QoS failed")
	}
	if err := declare(ch, QueueStockLow); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(QueueStockLow, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(d.Body); err != nil {
				c.log.Error().Err(err).Msg("handle message failed")
				_ = d.Nack(false, false) // reject without requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle decodes one StockLowEvent and appends it to the alert log.
func (c *StockAlertConsumer) Handle(body []byte) error {
	var ev StockLowEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatStockAlert(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatStockAlert renders the single-line log entry for an alert.
func FormatStockAlert(ev StockLowEvent) string {
	return fmt.Sprintf("[%s] Low stock | medication_id=%s | medication=%q | quantity=%d %s | minimum=%d\n",
		ev.DetectedAt.UTC().Format(time.RFC3339), ev.MedicationID, ev.MedicationName, ev.Quantity, ev.Unit, ev.MinimumStock)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
