package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client, srv
}

func TestPublishUsesDefaultTopic(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "crawl-events")
	require.NoError(t, err)

	pub, err := New(client, "crawl-events")
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "", map[string]string{"job_id": "job-1", "status": "completed"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "job-1", got["job_id"])

	require.NoError(t, pub.Close())
}

func TestPublishErrors(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	pub, err := New(client, "")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "", "payload")
	require.Error(t, err)

	_, err = pub.Publish(ctx, "missing-topic", "payload")
	require.Error(t, err)

	_, err = pub.Publish(ctx, "missing-topic", make(chan int))
	require.Error(t, err)

	_, err = New(nil, "x")
	require.Error(t, err)
	require.NoError(t, pub.Close())
}
