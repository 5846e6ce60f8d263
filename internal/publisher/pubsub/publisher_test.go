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

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

func TestPublisherDeliversJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	pub := New(client, "a11y")
	require.Equal(t, "a11y-scan-succeeded", pub.TopicID(audit.TopicScanSucceeded))

	topic, err := client.CreateTopic(ctx, pub.TopicID(audit.TopicScanSucceeded))
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "sub-id", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	event := audit.ScanEvent{Type: audit.TopicScanSucceeded, ScanID: "scan-1", Status: audit.ScanStatusSucceeded}
	id, err := pub.Publish(ctx, audit.TopicScanSucceeded, event)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	pub.Close()

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
			stop()
		})
	}()

	select {
	case msg := <-received:
		var got audit.ScanEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, "scan-1", got.ScanID)
		require.Equal(t, audit.TopicScanSucceeded, msg.Attributes["event"])
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}

func TestPublisherWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "").Publish(context.Background(), audit.TopicScanQueued, audit.ScanEvent{})
	require.Error(t, err)
}
