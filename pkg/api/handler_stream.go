package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tailr-ai/tailr/pkg/models"
)

const streamKeepaliveInterval = 30 * time.Second

// streamRunHandler handles GET /api/v1/sessions/:sid/runs/:rid/stream.
//
// Server-sent events: each journal entry is written as one SSE message with
// id "evt_<run_id>_<seq>". Reconnects resume from the Last-Event-ID header
// (or the last_event_id query param); the stream closes after the terminal
// event.
func (s *Server) streamRunHandler(c *gin.Context) {
	sessionID := c.Param("sid")
	runID := c.Param("rid")
	tenant := tenantID(c)

	// Tenant check before upgrading to a stream.
	if _, err := s.runs.Get(c.Request.Context(), tenant, sessionID, runID); err != nil {
		respondError(c, err)
		return
	}

	afterSeq := parseLastEventID(runID, lastEventID(c))

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	keepalive := time.NewTicker(streamKeepaliveInterval)
	defer keepalive.Stop()

	for {
		// Arm the notifier before reading so appends between the read and the
		// wait are not lost.
		wakeup := s.notifier.Wait(runID)

		evs, err := s.runs.EventsAfter(c.Request.Context(), tenant, sessionID, runID, afterSeq)
		if err != nil {
			return
		}
		for _, ev := range evs {
			writeSSE(c, ev)
			afterSeq = ev.Seq
			if isTerminalEvent(ev.Type) {
				c.Writer.Flush()
				return
			}
		}
		c.Writer.Flush()

		select {
		case <-c.Request.Context().Done():
			return
		case <-wakeup:
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, ev *models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case models.EventRunCompleted, models.EventRunFailed, models.EventRunInterrupted:
		return true
	}
	return false
}

func lastEventID(c *gin.Context) string {
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		return v
	}
	return c.Query("last_event_id")
}

// parseLastEventID extracts the seq from "evt_<run_id>_<seq>". A bare
// integer is accepted too; anything else restarts from the beginning.
func parseLastEventID(runID, raw string) int {
	if raw == "" {
		return 0
	}
	if seq, err := strconv.Atoi(strings.TrimPrefix(raw, "evt_"+runID+"_")); err == nil && seq > 0 {
		return seq
	}
	if seq, err := strconv.Atoi(raw); err == nil && seq > 0 {
		return seq
	}
	return 0
}
