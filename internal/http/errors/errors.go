package errors

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func writeJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// InternalError logs the underlying error with the request ID and returns a
// generic message to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	LogError(r, message, err)
	writeJSON(w, http.StatusInternalServerError, "internal server error")
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf("[WARN] RequestID=%s: bad request: %v", requestID, err)
	} else {
		log.Printf("[WARN] bad request: %v", err)
	}
	writeJSON(w, http.StatusBadRequest, clientMessage)
}

func NotFound(w http.ResponseWriter, r *http.Request, clientMessage string) {
	writeJSON(w, http.StatusNotFound, clientMessage)
}

func Unauthorized(w http.ResponseWriter, r *http.Request, clientMessage string) {
	writeJSON(w, http.StatusUnauthorized, clientMessage)
}

func Conflict(w http.ResponseWriter, r *http.Request, clientMessage string) {
	writeJSON(w, http.StatusConflict, clientMessage)
}

func LogError(r *http.Request, message string, err error) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}
}

func LogInfo(r *http.Request, message string) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf("[INFO] RequestID=%s: %s", requestID, message)
	} else {
		log.Printf("[INFO] %s", message)
	}
}
