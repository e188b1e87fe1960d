package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterNotificationRoutes mounts the inbound SES notification webhook.
// The handler is the intake webhook, which owns its own admission control
// and always answers 200. SNS delivers both subscription confirmations and
// notifications as POSTs to the same endpoint.
func RegisterNotificationRoutes(r chi.Router, webhook http.Handler) {
	r.Method(http.MethodPost, "/notifications/ses", webhook)
}
