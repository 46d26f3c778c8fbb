package stream_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func next(t *testing.T, sub *stream.Subscriber) *stream.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscriber %s closed", sub.ID())
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func TestBrokerFansOutByTopic(t *testing.T) {
	ctx := context.Background()
	b := stream.NewBroker(testLogger())

	all := b.Subscribe("all", stream.TopicFirehose)
	subs := b.Subscribe("subs", stream.TopicSubscriptions)
	one := b.Subscribe("one", stream.SubscriptionTopic("tick"))
	cluster := b.Subscribe("cluster", stream.TopicCluster)

	if err := b.OnSubscriptionStarted(ctx, "tick", "cyclical"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*stream.Subscriber{all, subs, one} {
		evt := next(t, s)
		if evt.Type != stream.EventSubscriptionStarted || evt.Topic != "subscription:tick" {
			t.Errorf("%s got %+v", s.ID(), evt)
		}
		var data stream.SubscriptionEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.Name != "tick" || data.Kind != "cyclical" {
			t.Errorf("%s data = %s", s.ID(), evt.Data)
		}
	}
	if n := len(cluster.C()); n != 0 {
		t.Errorf("cluster topic got %d subscription events", n)
	}

	if err := b.OnNodeEvicted(ctx, "n2", []string{"tick"}); err != nil {
		t.Fatal(err)
	}
	if evt := next(t, cluster); evt.Type != stream.EventNodeEvicted || evt.Topic != "node:n2" {
		t.Errorf("cluster got %+v", evt)
	}
	next(t, all)
	if n := len(subs.C()) + len(one.C()); n != 0 {
		t.Errorf("subscription topics got %d cluster events", n)
	}

	reqID := id.NewRequestID()
	if err := b.OnRequestResolved(ctx, reqID, "ok"); err != nil {
		t.Fatal(err)
	}
	var data stream.RequestEventData
	if err := json.Unmarshal(next(t, cluster).Data, &data); err != nil || data.RequestID != reqID.String() || data.Status != "ok" {
		t.Errorf("request data = %+v", data)
	}
}

func TestBrokerCreditsAndStats(t *testing.T) {
	ctx := context.Background()
	b := stream.NewBroker(testLogger(), stream.WithDefaultCredits(2), stream.WithBufferSize(10))
	sub := b.Subscribe("s", stream.TopicSubscriptions)

	for range 3 {
		_ = b.OnSubscriptionFailed(ctx, "tick", errors.New("boom"))
	}
	if n := len(sub.C()); n != 2 {
		t.Errorf("buffered = %d, want 2", n)
	}
	st := b.Stats()
	if st.TotalPublished != 2 || st.TotalDropped != 1 || st.SubscriberCount != 1 {
		t.Errorf("stats = %+v", st)
	}

	sub.AddCredits(1)
	_ = b.OnSubscriptionStopped(ctx, "tick")
	if n := len(sub.C()); n != 3 {
		t.Errorf("buffered after credit = %d, want 3", n)
	}
}

func TestSubscriberFilter(t *testing.T) {
	ctx := context.Background()
	b := stream.NewBroker(testLogger())
	sub := b.Subscribe("failures", stream.TopicFirehose)
	sub.SetFilter(func(e *stream.Event) bool { return e.Type == stream.EventSubscriptionFailed })

	_ = b.OnSubscriptionSucceeded(ctx, "tick", time.Millisecond)
	_ = b.OnSubscriptionFailed(ctx, "tick", errors.New("boom"))

	if evt := next(t, sub); evt.Type != stream.EventSubscriptionFailed {
		t.Errorf("got %s", evt.Type)
	}
	if n := len(sub.C()); n != 0 {
		t.Errorf("%d unfiltered events left", n)
	}
}

func TestRemoveAndShutdownCloseSubscribers(t *testing.T) {
	b := stream.NewBroker(testLogger())
	a := b.Subscribe("a", stream.TopicFirehose)
	c := b.Subscribe("c", stream.TopicCluster, stream.NodeTopic("n1"))

	b.RemoveSubscriber("a")
	if _, ok := <-a.C(); ok {
		t.Error("removed subscriber still open")
	}
	if got := b.Topics().SubscriberCount(stream.TopicFirehose); got != 0 {
		t.Errorf("firehose subscribers = %d", got)
	}

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-c.C(); ok {
		t.Error("subscriber open after shutdown")
	}
	if st := b.Stats(); st.SubscriberCount != 0 || st.TopicCount != 0 {
		t.Errorf("stats after shutdown = %+v", st)
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic string
		valid bool
	}{
		{stream.TopicFirehose, true},
		{stream.TopicSubscriptions, true},
		{stream.TopicCluster, true},
		{"subscription:tick", true},
		{"node:n1", true},
		{"request:req_01h", true},
		{"subscription:", false},
		{"queue:orders", false},
		{"anything", false},
		{"", false},
	}
	for _, tt := range tests {
		err := stream.ValidateTopic(tt.topic)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateTopic(%q) = %v, valid %v", tt.topic, err, tt.valid)
		}
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	b := stream.NewBroker(testLogger())
	srv := httptest.NewServer(stream.Handler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topic=subscription:tick", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	_ = b.OnSubscriptionStarted(ctx, "other", "consumer")
	_ = b.OnSubscriptionStarted(ctx, "tick", "cyclical")

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	if event != string(stream.EventSubscriptionStarted) {
		t.Fatalf("event = %q", event)
	}
	var evt stream.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil || evt.Topic != "subscription:tick" {
		t.Errorf("data = %s", data)
	}
}

func TestHandlerRejectsUnknownTopic(t *testing.T) {
	rec := httptest.NewRecorder()
	stream.Handler(stream.NewBroker(testLogger())).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/events?topic=jobs", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}
