package db

import (
	"context"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"mailburst/internal/types"
)

// EventRepository archives raw provider notification payloads, compressed
// with zstd, keyed by provider message id and receipt time. The archive
// exists for replay and audit; writing it is best-effort and intake never
// fails on an archive error.
type EventRepository struct {
	db DBTX

	// encoder is shared and concurrency-safe via EncodeAll.
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
}

// NewEventRepository creates an EventRepository backed by the given database
// connection (pool or transaction).
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// ArchiveRaw stores a raw notification payload. The payload is compressed
// with zstd before insert; the stored row records the original size for
// inspection queries.
func (r *EventRepository) ArchiveRaw(ctx context.Context, messageID string, eventType types.EventType, receivedAt time.Time, payload []byte) error {
	enc, err := r.zstdEncoder()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to init zstd encoder", err)
	}

	compressed := enc.EncodeAll(payload, nil)

	_, err = r.db.Exec(ctx,
		`INSERT INTO raw_notifications (message_id, event_type, received_at, raw_size, payload_zstd)
		 VALUES ($1, $2, $3, $4, $5)`,
		messageID, string(eventType), receivedAt, len(payload), compressed)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive raw notification", err)
	}
	return nil
}

// ReadRaw fetches and decompresses an archived payload by message id,
// returning the most recent entry.
func (r *EventRepository) ReadRaw(ctx context.Context, messageID string) ([]byte, error) {
	row := r.db.QueryRow(ctx,
		`SELECT payload_zstd FROM raw_notifications
		 WHERE message_id = $1 ORDER BY received_at DESC LIMIT 1`,
		messageID)

	var compressed []byte
	if err := row.Scan(&compressed); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read raw notification", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to init zstd decoder", err)
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress raw notification", err)
	}
	return payload, nil
}

// zstdEncoder lazily initializes the shared encoder.
func (r *EventRepository) zstdEncoder() (*zstd.Encoder, error) {
	r.encoderOnce.Do(func() {
		r.encoder, r.encoderErr = zstd.NewWriter(nil)
	})
	return r.encoder, r.encoderErr
}
