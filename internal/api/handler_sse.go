package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/guardant/guardant/internal/store"
)

// HandleStatusEvents returns a handler for GET /api/status/{subdomain}/events:
// a server-sent-event stream of live rollup updates for one nest, with a
// heartbeat event to keep intermediaries from closing the connection.
func HandleStatusEvents(entities *store.Store, heartbeatEvery time.Duration) http.HandlerFunc {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 20 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
			return
		}

		nest, err := entities.GetNestBySubdomain(r.Context(), PathParam(r, "subdomain"))
		if err != nil || !nest.IsActive {
			writeNotFound(w, "status page not found")
			return
		}

		updates, err := entities.SubscribeStatus(r.Context(), nest.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-updates:
				if !open {
					return
				}
				fmt.Fprintf(w, "event: update\ndata: %s\n\n", msg.Payload)
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
				flusher.Flush()
			}
		}
	}
}
