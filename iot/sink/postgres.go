// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotsensor/core/csql"
	"github.com/relabs-tech/iotsensor/core/logger"
)

// Postgres is a Store backed by two tables in the schema of db
type Postgres struct {
	db        *csql.DB
	telemetry string
	uploads   string
}

// NewPostgres creates the tables if needed and returns the store
func NewPostgres(ctx context.Context, db *csql.DB) (*Postgres, error) {
	p := &Postgres{db: db, telemetry: db.Table("telemetry"), uploads: db.Table("upload_notification")}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+p.telemetry+` (
serial BIGSERIAL PRIMARY KEY,
device_id VARCHAR NOT NULL,
message_id VARCHAR NOT NULL DEFAULT '',
received_at TIMESTAMP WITH TIME ZONE NOT NULL,
properties JSONB NOT NULL DEFAULT '{}'::jsonb,
payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS telemetry_device_received ON `+p.telemetry+`(device_id, received_at DESC);
CREATE TABLE IF NOT EXISTS `+p.uploads+` (
correlation_id VARCHAR PRIMARY KEY,
device_id VARCHAR NOT NULL,
blob_name VARCHAR NOT NULL,
is_success BOOLEAN NOT NULL,
status_code INTEGER NOT NULL,
status_description VARCHAR NOT NULL,
completed_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS upload_notification_device_completed ON `+p.uploads+`(device_id, completed_at DESC);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create tables: %w", err)
	}
	logger.Default().Debugln("postgres sink ready in schema", db.Schema)
	return p, nil
}

// Telemetry implements Sink
func (p *Postgres) Telemetry(ctx context.Context, r TelemetryRecord) error {
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return err
	}
	if r.Properties == nil {
		props = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO `+p.telemetry+`
(device_id, message_id, received_at, properties, payload) VALUES ($1, $2, $3, $4, $5);`,
		r.DeviceID, r.MessageID, r.ReceivedAt, string(props), string(r.Payload))
	return err
}

// UploadCompleted implements Sink. A notification is stored once, repeated ones are ignored.
func (p *Postgres) UploadCompleted(ctx context.Context, n UploadNotification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO `+p.uploads+`
(correlation_id, device_id, blob_name, is_success, status_code, status_description, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (correlation_id) DO NOTHING;`,
		n.CorrelationID, n.DeviceID, n.BlobName, n.IsSuccess, n.StatusCode, n.StatusDescription, n.CompletedAt)
	return err
}

// ListTelemetry implements Store
func (p *Postgres) ListTelemetry(ctx context.Context, deviceID string, limit int) ([]TelemetryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT device_id, message_id, received_at, properties, payload FROM `+p.telemetry+`
WHERE device_id = $1 ORDER BY received_at DESC, serial DESC LIMIT $2;`, deviceID, queryLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []TelemetryRecord{}
	for rows.Next() {
		var r TelemetryRecord
		var props, payload []byte
		if err := rows.Scan(&r.DeviceID, &r.MessageID, &r.ReceivedAt, &props, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(props, &r.Properties); err != nil {
			return nil, err
		}
		r.Payload = payload
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListUploads implements Store
func (p *Postgres) ListUploads(ctx context.Context, deviceID string, limit int) ([]UploadNotification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT correlation_id, device_id, blob_name, is_success, status_code, status_description, completed_at
FROM `+p.uploads+` WHERE device_id = $1 ORDER BY completed_at DESC LIMIT $2;`, deviceID, queryLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []UploadNotification{}
	for rows.Next() {
		var n UploadNotification
		if err := rows.Scan(&n.CorrelationID, &n.DeviceID, &n.BlobName, &n.IsSuccess, &n.StatusCode,
			&n.StatusDescription, &n.CompletedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func queryLimit(limit int) int {
	if limit <= 0 || limit > DefaultMemoryCapacity {
		return DefaultMemoryCapacity
	}
	return limit
}
