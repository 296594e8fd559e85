package protocol

import (
	"encoding/json"
	"net/http"
)

const pushSucceeded = "push succeeded"

// Response is an HTTP response produced by a relay tier. The router passes a
// channel's Response through to its caller unmodified.
type Response struct {
	Status int
	Body   any
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// PushAck is returned by a channel after a broadcast.
type PushAck struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RoomID    string `json:"roomId"`
	Delivered int    `json:"delivered"`
}

// StatusBody answers liveness probes at either tier.
type StatusBody struct {
	Message   string   `json:"message"`
	RoomID    string   `json:"roomId,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
}

// Ack builds the success response for a push to roomID.
func Ack(roomID string, delivered int) Response {
	return Response{
		Status: http.StatusOK,
		Body: PushAck{
			Success:   true,
			Message:   pushSucceeded,
			RoomID:    roomID,
			Delivered: delivered,
		},
	}
}

// Status builds a liveness response.
func Status(body StatusBody) Response {
	return Response{Status: http.StatusOK, Body: body}
}

// Render writes r as JSON.
func (r Response) Render(w http.ResponseWriter) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(r.Body)
}
