package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// KeepAlive is the interval of comment lines sent on an idle feed.
var KeepAlive = 15 * time.Second

var sseSeq atomic.Int64

// Handler serves the broker feed as server-sent events. The repeatable
// topic query parameter selects topics and defaults to the firehose.
func Handler(b *Broker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topics := r.URL.Query()["topic"]
		if len(topics) == 0 {
			topics = []string{TopicFirehose}
		}
		for _, t := range topics {
			if err := ValidateTopic(t); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream: response does not support flushing", http.StatusInternalServerError)
			return
		}

		subID := "sse-" + strconv.FormatInt(sseSeq.Add(1), 10)
		sub := b.Subscribe(subID, topics...)
		defer b.RemoveSubscriber(subID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ping := time.NewTicker(KeepAlive)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					b.logger.Warn("stream: encode event", slog.String("error", err.Error()))
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
					return
				}
				flusher.Flush()
				sub.AddCredits(1)
			}
		}
	})
}
