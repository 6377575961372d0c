package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/txpipe/internal/mq"
)

// ReplayDeadLetters переотправляет сообщения из DLQ стадии в её очередь.
// POST /api/v1/dlq/{stage}/replay?limit=...
func (h *Handler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")
	route, ok := mq.RouteByKey(stage)
	if !ok {
		NotFound(w, "unknown stage "+strconv.Quote(stage))
		return
	}

	limit := mq.DefaultReplayLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if h.replay == nil {
		ServiceUnavailable(w, "dead-letter replay is not configured")
		return
	}

	n, err := h.replay(r.Context(), route, limit)
	if err != nil && n == 0 {
		HandleError(w, h.logger, err, "")
		return
	}
	if err != nil {
		// Часть сообщений уже переотправлена.
		h.logger.Warn("dead-letter replay interrupted", "stage", stage, "replayed", n, "error", err)
	}

	Success(w, ReplayResponse{
		Stage:    stage,
		Queue:    string(mq.DeadLetterQueue(route.Queue)),
		Replayed: n,
	})
}
