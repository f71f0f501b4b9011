// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"
	"io"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is implemented by *kafka.Writer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka forwards records to a topic, keyed by device id. The header "type" is "telemetry"
// or "upload".
type Kafka struct {
	writer MessageWriter
}

// NewKafka returns a sink writing to topic on brokers
func NewKafka(brokers []string, topic string) *Kafka {
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	})
}

// NewKafkaWithWriter returns a sink writing with w
func NewKafkaWithWriter(w MessageWriter) *Kafka {
	return &Kafka{writer: w}
}

func (k *Kafka) write(ctx context.Context, kind, deviceID string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(deviceID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
	})
}

// Telemetry implements Sink
func (k *Kafka) Telemetry(ctx context.Context, r TelemetryRecord) error {
	return k.write(ctx, "telemetry", r.DeviceID, r)
}

// UploadCompleted implements Sink
func (k *Kafka) UploadCompleted(ctx context.Context, n UploadNotification) error {
	return k.write(ctx, "upload", n.DeviceID, n)
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	if c, ok := k.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
