package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/segmentio/kafka-go"
)

// DeadLetterQueue receives tasks that could not be processed so another
// consumer can inspect or replay them.
type DeadLetterQueue interface {
	SendTaskToDLQ(task string, reason error)
	Close()
}

type deadLetterMessage struct {
	Service   string    `json:"service"`
	Task      string    `json:"task"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type KafkaDLQClient struct {
	serviceName string
	kafkaWriter *kafka.Writer
}

func NewKafkaDLQ(serviceName string, cfg *config.ProducerConfig) *KafkaDLQClient {
	return &KafkaDLQClient{
		serviceName: serviceName,
		kafkaWriter: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Addr...),
			Topic:        cfg.DeadLetterTopicName,
			Balancer:     &kafka.Hash{},
			MaxAttempts:  cfg.MaxAttempts,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// SendTaskToDLQ writes the raw task and the failure reason to the dead
// letter topic. DLQ write failures are logged and dropped; losing the DLQ
// copy must not take the worker down.
func (d *KafkaDLQClient) SendTaskToDLQ(task string, reason error) {
	msg := deadLetterMessage{
		Service:   d.serviceName,
		Task:      task,
		Timestamp: time.Now().UTC(),
	}
	if reason != nil {
		msg.Error = reason.Error()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal dlq message.", slog.String("err", err.Error()))
		return
	}
	err = d.kafkaWriter.WriteMessages(context.Background(), kafka.Message{Value: body})
	if err != nil {
		slog.Error("failed to send message to dlq.", slog.String("err", err.Error()))
		return
	}
	slog.Debug("task sent to dlq.", slog.String("task", task))
}

func (d *KafkaDLQClient) Close() {
	err := d.kafkaWriter.Close()
	if err != nil {
		slog.Error("failed to close dlq writer.", slog.String("err", err.Error()))
	}
}
