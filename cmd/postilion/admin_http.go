package main

import (
	"encoding/json"
	"net/http"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/ivarela/postilion/internal/admin"
)

// setBounceRequest is the JSON body cmd/postilion-util posts to
// /admin/bounce/set.
type setBounceRequest struct {
	Queue    string `json:"queue"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

type setBounceResponse struct {
	Id string `json:"id"`
}

type bounceCancelRequest struct {
	Id string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("admin http: failed to encode response: %v", err)
	}
}

// adminSetBounceHandler installs an administrative bounce, as described
// in SPEC_FULL.md §6.4.
func adminSetBounceHandler(t *admin.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		var req setBounceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
			return
		}

		dur, err := time.ParseDuration(req.Duration)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid duration: " + err.Error()})
			return
		}

		id := t.SetBounce(admin.Criteria{
			Queue: req.Queue,
			From:  req.From,
			To:    req.To,
		}, req.Reason, dur)

		writeJSON(w, http.StatusOK, setBounceResponse{Id: id})
	}
}

// adminBounceCancelHandler retracts a previously installed bounce. As
// documented in internal/admin, cancellation only prevents future
// matches; it does not undo mail already bounced under the id.
func adminBounceCancelHandler(t *admin.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		var req bounceCancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
			return
		}

		if err := t.BounceCancel(req.Id); err != nil {
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, struct{}{})
	}
}
