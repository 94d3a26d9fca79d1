package errors

import (
	"encoding/json"
	"net/http"
)

// GenericServerMessage is written in place of the message of any 5xx error.
const GenericServerMessage = "Something went wrong!"

// Body is the JSON shape of every error response the gateway writes.
type Body struct {
	Error string `json:"error"`
}

// WriteJSON writes {"error": message} with the given status.
func WriteJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: message})
}

// WriteHTTP renders err as an error response. Client errors expose their
// Message; server errors and foreign errors are reduced to
// GenericServerMessage with status 500 or the category's 5xx status.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := FromError(err)
	status := e.HTTPStatus()
	if IsClientError(e) {
		WriteJSON(w, status, e.Message)
		return
	}
	WriteJSON(w, status, GenericServerMessage)
}
