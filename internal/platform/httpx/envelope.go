package httpx

import (
	"encoding/json"
	"net/http"
)

// Envelope is the response shape shared by every API route.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
}

// WriteJSON writes a success envelope. An empty message defaults to the status text.
func WriteJSON(w http.ResponseWriter, status int, message string, data any) {
	if status == 0 {
		status = http.StatusOK
	}
	if message == "" {
		message = http.StatusText(status)
	}
	writeEnvelope(w, Envelope{StatusCode: status, Message: sanitize(message, 512), Data: data})
}

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
