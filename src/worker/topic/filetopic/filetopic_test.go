package filetopic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corepipe/corepipe/src/core"
)

func TestFileTopicRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "topic.json")

	messages := []core.TopicMessage{
		{ID: "0", Args: map[string]interface{}{"n": float64(1)}},
		{ID: "1", Args: map[string]interface{}{"n": float64(2)}},
	}

	writer := New(Options{Path: path, Mode: ModeWrite})
	require.NoError(t, writer.Open(ctx))
	for _, m := range messages {
		ok, err := writer.Publish(ctx, m, true)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, writer.Close(ctx))

	reader := New(Options{Path: path, Mode: ModeRead})
	require.NoError(t, reader.Open(ctx))
	deliveries, err := reader.Run(ctx)
	require.NoError(t, err)

	var got []core.TopicMessage
	for d := range deliveries {
		got = append(got, d.Message())
	}
	require.NoError(t, reader.Close(ctx))

	require.Equal(t, messages, got)
}

func TestFileTopicPublishAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "topic.json")

	writer := New(Options{Path: path, Mode: ModeWrite})
	require.NoError(t, writer.Open(ctx))
	require.NoError(t, writer.Close(ctx))

	_, err := writer.Publish(ctx, core.TopicMessage{ID: "0"}, true)
	require.Error(t, err)
}
