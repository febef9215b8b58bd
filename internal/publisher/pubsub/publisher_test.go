package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/product-automation/internal/automation"
)

func TestPublishRunSummary(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/project-id/topics/automation-runs"})
	require.NoError(t, err)

	publisher := client.Publisher("automation-runs")
	t.Cleanup(publisher.Stop)
	pub := New(publisher)

	summary := automation.RunSummary{
		RunID:  "run-1",
		Status: automation.RunPartial,
		Counts: automation.RunCounts{Total: 2, Published: 1, Failed: 1},
	}
	id, err := pub.Publish(ctx, "automation-runs", summary)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run_finished", msgs[0].Attributes[AttrEvent])
	require.Equal(t, "run-1", msgs[0].Attributes[AttrRunID])
	require.Equal(t, "partial", msgs[0].Attributes[AttrStatus])
	require.Equal(t, "1", msgs[0].Attributes[AttrPublished])
	require.Equal(t, "1", msgs[0].Attributes[AttrFailed])

	var got automation.RunSummary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, summary.Counts, got.Counts)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", automation.RunSummary{})
	require.Error(t, err)
}
