package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailburst/internal/types"
)

func TestArchiveRawCompressesPayload(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewEventRepository(dbtx)

	payload := []byte(`{"notificationType":"Bounce","mail":{"messageId":"ses-1"}}`)

	var stored []byte
	dbtx.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "INSERT INTO raw_notifications", "payload_zstd")
	}), mock.MatchedBy(func(args []any) bool {
		if args[0] != "ses-1" || args[1] != "Bounce" || args[3] != len(payload) {
			return false
		}
		stored, _ = args[4].([]byte)
		return stored != nil
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.ArchiveRaw(context.Background(), "ses-1", types.EventBounce, time.Now(), payload)
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	decompressed, err := dec.DecodeAll(stored, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

func TestArchiveRawWrapsInsertErrors(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewEventRepository(dbtx)

	dbtx.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, assert.AnError)

	err := repo.ArchiveRaw(context.Background(), "ses-1", types.EventDelivery, time.Now(), []byte("{}"))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestReadRawRoundTrip(t *testing.T) {
	payload := []byte(`{"notificationType":"Complaint"}`)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	dbtx := new(mockDBTX)
	repo := NewEventRepository(dbtx)

	dbtx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "FROM raw_notifications", "ORDER BY received_at DESC")
	}), mock.Anything).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*[]byte) = compressed
		return nil
	}})

	got, err := repo.ReadRaw(context.Background(), "ses-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadRawCorruptPayload(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewEventRepository(dbtx)

	dbtx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*[]byte) = []byte("not zstd")
			return nil
		}})

	_, err := repo.ReadRaw(context.Background(), "ses-1")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}
