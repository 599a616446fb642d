package pubsubsource_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/illmade-knight/go-intelcache/pkg/refresh"
	"github.com/illmade-knight/go-intelcache/pkg/refresh/pubsubsource"
)

type mockSubmitter struct {
	mu         sync.Mutex
	jobs       []refresh.Job
	SubmitFunc func(job refresh.Job, call int) error
	calls      int
}

func (m *mockSubmitter) Submit(job refresh.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.SubmitFunc != nil {
		if err := m.SubmitFunc(job, m.calls); err != nil {
			return err
		}
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockSubmitter) accepted() []refresh.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]refresh.Job(nil), m.jobs...)
}

// setupPubsub creates an in-process Pub/Sub server with one topic and subscription.
func setupPubsub(t *testing.T, projectID, topicID, subID string) *pubsub.Client {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err = srv.GServer.CreateTopic(ctx, &pb.Topic{Name: topicName})
	require.NoError(t, err)
	_, err = srv.GServer.CreateSubscription(ctx, &pb.Subscription{
		Name:  fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID),
		Topic: topicName,
	})
	require.NoError(t, err)
	return client
}

func publish(t *testing.T, ctx context.Context, topic *pubsub.Topic, msg *pubsub.Message) {
	t.Helper()
	_, err := topic.Publish(ctx, msg).Get(ctx)
	require.NoError(t, err)
}

func startSource(t *testing.T, ctx context.Context, client *pubsub.Client, cfg pubsubsource.Config, sub *mockSubmitter) {
	t.Helper()
	source, err := pubsubsource.New(ctx, cfg, client, sub, zerolog.Nop())
	require.NoError(t, err)
	source.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = source.Stop(stopCtx)
	})
}

func TestNew_MissingSubscription(t *testing.T) {
	client := setupPubsub(t, "test-project", "refresh-topic", "refresh-sub")

	_, err := pubsubsource.New(context.Background(), pubsubsource.Config{SubscriptionID: "absent"}, client, &mockSubmitter{}, zerolog.Nop())

	assert.Error(t, err)
}

func TestSource_SubmitsJobs(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client := setupPubsub(t, "test-project", "refresh-topic", "refresh-sub")
	sub := &mockSubmitter{}
	startSource(t, ctx, client, pubsubsource.Config{SubscriptionID: "refresh-sub", Facets: []string{"sentiment", "news-trends"}}, sub)
	topic := client.Topic("refresh-topic")
	t.Cleanup(topic.Stop)

	// Act
	publish(t, ctx, topic, &pubsub.Message{Data: []byte(`not json`)})
	publish(t, ctx, topic, &pubsub.Message{Data: []byte(`{"topic":"AI nutrition coach","facet":"sentiment"}`)})
	publish(t, ctx, topic, &pubsub.Message{Attributes: map[string]string{"topic": "meal kits"}})

	// Assert
	require.Eventually(t, func() bool { return len(sub.accepted()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []refresh.Job{
		{Topic: "AI nutrition coach", Facet: "sentiment"},
		{Topic: "meal kits", Facet: "sentiment"},
		{Topic: "meal kits", Facet: "news-trends"},
	}, sub.accepted())
}

func TestSource_NacksWhenQueueFull(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client := setupPubsub(t, "test-project", "refresh-topic", "refresh-sub")
	sub := &mockSubmitter{SubmitFunc: func(_ refresh.Job, call int) error {
		if call == 1 {
			return refresh.ErrQueueFull
		}
		return nil
	}}
	startSource(t, ctx, client, pubsubsource.Config{SubscriptionID: "refresh-sub"}, sub)
	topic := client.Topic("refresh-topic")
	t.Cleanup(topic.Stop)

	// Act
	publish(t, ctx, topic, &pubsub.Message{Data: []byte(`{"topic":"AI nutrition coach","facet":"sentiment"}`)})

	// Assert
	require.Eventually(t, func() bool { return len(sub.accepted()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, refresh.Job{Topic: "AI nutrition coach", Facet: "sentiment"}, sub.accepted()[0])
}

func TestSource_StopBeforeStart(t *testing.T) {
	client := setupPubsub(t, "test-project", "refresh-topic", "refresh-sub")
	source, err := pubsubsource.New(context.Background(), pubsubsource.Config{SubscriptionID: "refresh-sub"}, client, &mockSubmitter{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, source.Stop(context.Background()))

	select {
	case <-source.Done():
	default:
		t.Fatal("Done should be closed")
	}
}
