package cache

import (
	"context"
	"testing"
	"time"

	"launchpad/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisNotifier_Publish(t *testing.T) {
	_, client := testutil.NewMiniredis(t)
	notifier := NewRedisNotifier(client)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "channel:launch:progress")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, notifier.Publish(ctx, "channel:launch:progress", map[string]any{"step": 3}))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, `{"step":3}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisNotifier_Invalidate(t *testing.T) {
	mr, client := testutil.NewMiniredis(t)
	notifier := NewRedisNotifier(client)
	ctx := context.Background()

	require.NoError(t, mr.Set("business:b1:metrics:2024-03-01", "{}"))
	require.NoError(t, mr.Set("business:b2:metrics:2024-03-01", "{}"))

	require.NoError(t, notifier.Invalidate(ctx, "business:b1:metrics:2024-03-01"))
	assert.False(t, mr.Exists("business:b1:metrics:2024-03-01"))
	assert.True(t, mr.Exists("business:b2:metrics:2024-03-01"))

	assert.NoError(t, notifier.Invalidate(ctx))
}

func TestRedisNotifier_PublishUnencodable(t *testing.T) {
	_, client := testutil.NewMiniredis(t)
	notifier := NewRedisNotifier(client)

	err := notifier.Publish(context.Background(), "channel:ai:activity", make(chan int))
	assert.Error(t, err)
}
