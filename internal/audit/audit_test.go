package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/clock"
	"presence/internal/queue"
)

func TestQueueSinkPublishesEntry(t *testing.T) {
	q := queue.NewInMemory(4)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	sink := NewQueueSink(q, clock.NewFake(at))

	uid := int64(42)
	require.NoError(t, sink.Write(context.Background(), "lecturer.open_session", &uid, "session_id=7"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := <-msgs
	assert.Equal(t, MessageType, msg.Type)

	var e Entry
	require.NoError(t, json.Unmarshal(msg.Body, &e))
	assert.Equal(t, "lecturer.open_session", e.Action)
	require.NotNil(t, e.UserID)
	assert.Equal(t, uid, *e.UserID)
	assert.Equal(t, "session_id=7", e.Detail)
	assert.True(t, e.At.Equal(at))
}

func TestQueueSinkOmitsAbsentUser(t *testing.T) {
	q := queue.NewInMemory(1)
	sink := NewQueueSink(q, clock.System())

	require.NoError(t, sink.Write(context.Background(), "system.auto_rotate_qr", nil, "session_id=7"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	var e Entry
	require.NoError(t, json.Unmarshal((<-msgs).Body, &e))
	assert.Nil(t, e.UserID)
}
