package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON marshals v and writes it with the given status code, falling
// back to a plain 500 when marshaling fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}
