package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

const deliveryTimeout = 10 * time.Second

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// AuditPublisher streams committed audit entries and dead letters to Kafka.
type AuditPublisher struct {
	producer        producer
	auditTopic      string
	deadLetterTopic string
	done            chan struct{}
}

func NewAuditPublisher(bootstrapServers, auditTopic, deadLetterTopic string) (*AuditPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.WithFields(log.Fields{
		"audit_topic":       auditTopic,
		"dead_letter_topic": deadLetterTopic,
	}).Info("Audit Kafka producer created successfully")

	return newAuditPublisher(p, auditTopic, deadLetterTopic), nil
}

func newAuditPublisher(p producer, auditTopic, deadLetterTopic string) *AuditPublisher {
	pub := &AuditPublisher{producer: p, auditTopic: auditTopic, deadLetterTopic: deadLetterTopic, done: make(chan struct{})}
	go pub.watchDeliveries()
	return pub
}

// HandleEntry is a ledger handler. It must not block the append path, so
// the entry is produced asynchronously; delivery reports arrive on the
// producer's event channel. Entries are keyed by record so one record's
// history stays ordered within its partition.
func (p *AuditPublisher) HandleEntry(e domain.AuditEntry) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.WithError(err).WithField("sequence_no", e.Sequence).Error("Failed to marshal audit entry")
		return
	}
	if err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.auditTopic, Partition: kafka.PartitionAny},
		Key:            []byte(e.RecordID),
		Value:          payload,
		Headers:        []kafka.Header{{Key: "event_kind", Value: []byte(e.EventKind)}},
	}, nil); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"record_id":   e.RecordID,
			"sequence_no": e.Sequence,
		}).Warn("Failed to produce audit entry")
	}
}

// PublishDeadLetter produces a dead letter and waits for its delivery.
func (p *AuditPublisher) PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	deliveryChan := make(chan kafka.Event, 1)

	if err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.deadLetterTopic, Partition: kafka.PartitionAny},
		Key:            []byte(dl.RecordID),
		Value:          payload,
	}, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-deliveryChan:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected event type: %T", e)
		}
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", msg.TopicPartition.Error)
		}
		return nil
	case <-time.After(deliveryTimeout):
		return fmt.Errorf("delivery timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AuditPublisher) watchDeliveries() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.producer.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					log.WithError(e.TopicPartition.Error).WithField("key", string(e.Key)).Warn("Audit entry delivery failed")
				}
			case kafka.Error:
				log.WithError(e).Warn("Kafka producer error")
			}
		}
	}
}

func (p *AuditPublisher) Close() {
	log.Info("Closing audit Kafka producer...")
	if remaining := p.producer.Flush(15 * 1000); remaining > 0 {
		log.WithField("remaining", remaining).Warn("Audit producer closed with undelivered messages")
	}
	close(p.done)
	p.producer.Close()
}
