package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/askrelay/internal/search"
)

func newTestTopic(t *testing.T) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "search-outcomes")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	return topic, srv
}

func TestRecordPublishesOutcome(t *testing.T) {
	t.Parallel()

	topic, srv := newTestTopic(t)
	pub := New(topic)

	started := time.Unix(1700000000, 0).UTC()
	outcome := search.Outcome{
		ID:         "search-1",
		Query:      "weather today",
		Origin:     "warmup",
		Success:    true,
		Rounds:     1,
		Attempts:   1,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
	require.NoError(t, pub.Record(context.Background(), outcome))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "warmup", msgs[0].Attributes["origin"])
	require.Equal(t, "true", msgs[0].Attributes["success"])

	var got search.Outcome
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, outcome, got)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), search.Outcome{ID: "x"})
	require.Error(t, err)
}

func TestConnectValidates(t *testing.T) {
	t.Parallel()

	_, _, err := Connect(context.Background(), "", "topic")
	require.Error(t, err)
}
