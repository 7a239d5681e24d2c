package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxNotificationBytes caps the ingress body.
const maxNotificationBytes = 64 * 1024

const (
	msgEmpty     = "Message cannot be empty."
	msgSent      = "Notification sent to queue successfully."
	msgSendError = "An internal error occurred while sending the notification."
)

// ErrEmptyMessage is returned by ReadMessage for a body that carries no text.
var ErrEmptyMessage = errors.New("httpapi: message cannot be empty")

// Publisher hands a notification to the queue.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
}

// ReadMessage extracts the notification text from a request body: a JSON
// string when the body is one, the raw body otherwise.
func ReadMessage(body []byte) (string, error) {
	var msg string
	if err := json.Unmarshal(body, &msg); err != nil {
		msg = string(body)
	}
	if msg == "" {
		return "", ErrEmptyMessage
	}
	return msg, nil
}

type notificationHandler struct {
	producer Publisher
	logger   *slog.Logger
}

// send handles POST /api/notification.
func (h *notificationHandler) send(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Message is too large.")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not read request body.")
		return
	}

	msg, err := ReadMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgEmpty)
		return
	}

	h.logger.Info("notification received", slog.Int("bytes", len(msg)))
	if err := h.producer.Publish(r.Context(), msg); err != nil {
		h.logger.Error("notification publish failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgSendError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": msgSent})
}
