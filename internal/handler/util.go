package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// queryInt reads a bounded positive integer query parameter.
func queryInt(r *http.Request, key string, def, maxValue int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 || parsed > maxValue {
		return def
	}
	return parsed
}
