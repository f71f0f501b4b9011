// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package sink records what the devhub receives from devices.

Every telemetry message accepted by the broker and every upload outcome posted to the REST
api is handed to a Sink. Memory and Postgres also implement Store and can be queried by the
api; Kafka and SQS forward records to other services. Multi fans out to several sinks.
*/
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// TelemetryRecord is one device-to-cloud message
type TelemetryRecord struct {
	DeviceID   string            `json:"deviceId"`
	MessageID  string            `json:"messageId,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
	Properties map[string]string `json:"properties,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
}

// UploadNotification is the outcome of a file upload as reported by the device
type UploadNotification struct {
	DeviceID          string    `json:"deviceId"`
	CorrelationID     string    `json:"correlationId"`
	BlobName          string    `json:"blobName"`
	IsSuccess         bool      `json:"isSuccess"`
	StatusCode        int       `json:"statusCode"`
	StatusDescription string    `json:"statusDescription"`
	CompletedAt       time.Time `json:"completedAt"`
}

// Sink receives records
type Sink interface {
	Telemetry(ctx context.Context, r TelemetryRecord) error
	UploadCompleted(ctx context.Context, n UploadNotification) error
}

// Store is a Sink that can be queried. Lists are ordered newest first.
type Store interface {
	Sink
	ListTelemetry(ctx context.Context, deviceID string, limit int) ([]TelemetryRecord, error)
	ListUploads(ctx context.Context, deviceID string, limit int) ([]UploadNotification, error)
}

// Multi hands every record to all sinks and joins their errors
type Multi []Sink

// Telemetry implements Sink
func (m Multi) Telemetry(ctx context.Context, r TelemetryRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Telemetry(ctx, r))
	}
	return errors.Join(errs...)
}

// UploadCompleted implements Sink
func (m Multi) UploadCompleted(ctx context.Context, n UploadNotification) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.UploadCompleted(ctx, n))
	}
	return errors.Join(errs...)
}
