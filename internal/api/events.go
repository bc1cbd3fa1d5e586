package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"keycloak-portal/internal/biz"
)

// events streams session status snapshots as server-sent events.
func (h *PageHandler) events(w http.ResponseWriter, r *http.Request) {
	_, coord := h.sessions.Resolve(w, r)

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	ctx, cancel := statusContext(r)
	defer cancel()

	updates, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
				flusher.Flush()
				return
			}
			sendStatus(w, flusher, st)
		}
	}
}

func sendStatus(w http.ResponseWriter, flusher http.Flusher, st biz.SessionStatus) {
	jsonData, _ := json.Marshal(NewStatusView(st, time.Now()))
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", jsonData)
	flusher.Flush()
}
