package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
)

// LogSink writes events to the process log as single-line JSON.
type LogSink struct {
	Logf func(format string, args ...any)
}

func (s LogSink) Append(ctx context.Context, evt Event) error {
	logf := s.Logf
	if logf == nil {
		logf = log.Printf
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	logf("security_audit %s", b)
	return nil
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink persists events to the security_audit_events table.
type PostgresSink struct {
	DB auditDB
}

func (s *PostgresSink) Append(ctx context.Context, evt Event) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO security_audit_events
		(id, call_id, phone_number, tenant_id, security_level, event_type, action, resource, authorized, reasoning, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, evt.ID, evt.CallID, evt.PhoneNumber, evt.TenantID, string(evt.SecurityLevel), evt.EventType, evt.Action, evt.Resource, evt.Authorized, evt.Reasoning, evt.Timestamp)
	return err
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes events to a topic, keyed by call id so one call's
// events land in order on one partition.
type KafkaSink struct {
	Writer kafkaWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{Writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSink) Append(ctx context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.Writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.CallID), Value: b})
}
