package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
	"github.com/clinisafe/compliance-engine/internal/engine"
)

// EventHandler is the detector surface the consumer feeds.
type EventHandler interface {
	HandleMeasurement(ctx context.Context, ev engine.MeasurementEvent) (*engine.Candidate, error)
	HandleAccess(ctx context.Context, ev engine.AccessEvent) (*engine.Candidate, error)
	HandleExport(ctx context.Context, ev engine.ExportEvent) (*engine.Candidate, error)
}

// Consumer reads medical events off the bus and routes them into the
// violation detector. Offsets are committed only after the detector
// returns, and the audit write happens inside the detector, so an
// audit failure leaves the offset uncommitted and the message is
// redelivered. Malformed payloads are committed and skipped; they
// would never succeed on redelivery.
type Consumer struct {
	logger  *slog.Logger
	cfg     config.KafkaConfig
	reader  *kafka.Reader
	handler EventHandler

	shutdownChan chan struct{}
	wg           sync.WaitGroup

	mu            sync.Mutex
	messageCount  int64
	errorCount    int64
	lastProcessed time.Time
}

// NewConsumer creates a consumer subscribed to the medical event topics.
func NewConsumer(cfg config.KafkaConfig, handler EventHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		GroupTopics: []string{
			cfg.Topics.MeasurementRecorded,
			cfg.Topics.RecordAccessed,
			cfg.Topics.ExportRequested,
		},
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return &Consumer{
		logger:       logger,
		cfg:          cfg,
		reader:       reader,
		handler:      handler,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the consume loop.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("Kafka consumer started",
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID)
}

// Stop closes the reader and waits for the loop.
func (c *Consumer) Stop() {
	close(c.shutdownChan)
	if err := c.reader.Close(); err != nil {
		c.logger.Error("Failed to close Kafka reader", "error", err)
	}
	c.wg.Wait()
	c.logger.Info("Kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.shutdownChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			select {
			case <-c.shutdownChan:
				return
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read Kafka message", "error", err)
			c.countError()
			time.Sleep(time.Second)
			continue
		}

		if err := c.processMessage(ctx, &message); err != nil {
			c.logger.Error("Failed to process Kafka message",
				"topic", message.Topic,
				"partition", message.Partition,
				"offset", message.Offset,
				"error", err)
			c.countError()
			if retriable(err) {
				// Leave the offset uncommitted so the message is
				// redelivered once the underlying failure clears.
				continue
			}
		} else {
			c.countMessage()
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			c.logger.Error("Failed to commit Kafka offset",
				"topic", message.Topic,
				"offset", message.Offset,
				"error", err)
			c.countError()
		}
	}
}

// errMalformedPayload marks messages that can never be processed;
// their offsets are committed so they are not redelivered forever.
var errMalformedPayload = errors.New("malformed payload")

func (c *Consumer) processMessage(ctx context.Context, message *kafka.Message) error {
	body := string(message.Value)
	if !gjson.Valid(body) {
		return fmt.Errorf("invalid JSON on topic %s: %w", message.Topic, errMalformedPayload)
	}

	switch message.Topic {
	case c.cfg.Topics.MeasurementRecorded:
		ev := engine.MeasurementEvent{
			SubjectID: gjson.Get(body, "subject_id").String(),
			Parameter: gjson.Get(body, "parameter").String(),
			Value:     gjson.Get(body, "value").Float(),
			ActorID:   gjson.Get(body, "actor_id").String(),
			RecordID:  gjson.Get(body, "record_id").String(),
		}
		_, err := c.handler.HandleMeasurement(ctx, ev)
		return err
	case c.cfg.Topics.RecordAccessed:
		ev := engine.AccessEvent{
			SubjectID:  gjson.Get(body, "subject_id").String(),
			ActorID:    gjson.Get(body, "actor_id").String(),
			AccessType: gjson.Get(body, "access_type").String(),
			Authorized: gjson.Get(body, "authorized").Bool(),
			RecordID:   gjson.Get(body, "record_id").String(),
			Timestamp:  message.Time,
		}
		_, err := c.handler.HandleAccess(ctx, ev)
		return err
	case c.cfg.Topics.ExportRequested:
		ev := engine.ExportEvent{
			ActorID:      gjson.Get(body, "actor_id").String(),
			SubjectCount: int(gjson.Get(body, "subject_count").Int()),
		}
		_, err := c.handler.HandleExport(ctx, ev)
		return err
	}
	return fmt.Errorf("unexpected topic %s: %w", message.Topic, errMalformedPayload)
}

// retriable reports whether reprocessing the message could succeed.
// Malformed payloads and events the detector rejects as invalid fail
// identically on every delivery.
func retriable(err error) bool {
	var vErr *engine.ValidationError
	return !errors.Is(err, errMalformedPayload) && !errors.As(err, &vErr)
}

func (c *Consumer) countMessage() {
	c.mu.Lock()
	c.messageCount++
	c.lastProcessed = time.Now()
	c.mu.Unlock()
}

func (c *Consumer) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// Stats reports consumer counters.
func (c *Consumer) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"messages_processed": c.messageCount,
		"errors":             c.errorCount,
		"last_processed":     c.lastProcessed,
	}
}

// AlertMessage is the outbound alert announcement.
type AlertMessage struct {
	AlertID       string    `json:"alert_id"`
	TypeCode      string    `json:"type_code"`
	Regime        string    `json:"regime"`
	Severity      int       `json:"severity"`
	Status        string    `json:"status"`
	Title         string    `json:"title"`
	ImpactedCount int       `json:"impacted_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Producer announces raised and escalated alerts on the bus. Writes are
// asynchronous so a slow broker never blocks the raise path.
type Producer struct {
	logger *slog.Logger
	cfg    config.KafkaConfig
	writer *kafka.Writer

	queue        chan kafka.Message
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewProducer creates an alert announcement producer.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{
		logger:       logger,
		cfg:          cfg,
		writer:       writer,
		queue:        make(chan kafka.Message, 256),
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the write loop.
func (p *Producer) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.writeLoop(ctx)
	p.logger.Info("Kafka producer started", "brokers", p.cfg.Brokers)
}

// Stop drains the queue and closes the writer.
func (p *Producer) Stop() {
	close(p.shutdownChan)
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka writer", "error", err)
	}
	p.logger.Info("Kafka producer stopped")
}

// AlertRaised announces a new alert.
func (p *Producer) AlertRaised(alert *database.Alert) {
	p.publish(p.cfg.Topics.AlertRaised, alert)
}

// AlertEscalated announces an escalation.
func (p *Producer) AlertEscalated(alert *database.Alert) {
	p.publish(p.cfg.Topics.AlertEscalated, alert)
}

func (p *Producer) publish(topic string, alert *database.Alert) {
	msg := AlertMessage{
		AlertID:       alert.ID,
		TypeCode:      alert.TypeCode,
		Regime:        alert.Regime,
		Severity:      alert.Severity,
		Status:        alert.Status,
		Title:         alert.Title,
		ImpactedCount: alert.ImpactedCount,
		Timestamp:     time.Now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal alert message", "alert_id", alert.ID, "error", err)
		return
	}
	select {
	case p.queue <- kafka.Message{Topic: topic, Key: []byte(alert.ID), Value: value}:
	default:
		p.logger.Error("Kafka producer queue full, dropping message",
			"topic", topic,
			"alert_id", alert.ID)
	}
}

func (p *Producer) writeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := p.writer.WriteMessages(writeCtx, msg)
			cancel()
			if err != nil {
				p.logger.Error("Failed to write Kafka message",
					"topic", msg.Topic,
					"error", err)
			}
		case <-p.shutdownChan:
			// Drain what is already queued.
			for {
				select {
				case msg := <-p.queue:
					writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
						p.logger.Error("Failed to write Kafka message during drain",
							"topic", msg.Topic,
							"error", err)
					}
					cancel()
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
