package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"quik-go/internal/broadcast"
	"quik-go/internal/model"
)

// maxReasonLen bounds the reason echoed into event frames.
const maxReasonLen = 64

var errInvalidReason = errors.New("reason must be 1-64 printable characters without spaces")

// reloadRequest is the optional body of POST /reload.
type reloadRequest struct {
	Reason string `json:"reason"`
}

// ReloadHandler raises reload signals on behalf of editors and build tools.
type ReloadHandler struct {
	notifier broadcast.Notifier
	logger   *slog.Logger
}

// NewReloadHandler creates a ReloadHandler.
func NewReloadHandler(n broadcast.Notifier, logger *slog.Logger) *ReloadHandler {
	return &ReloadHandler{
		notifier: n,
		logger:   logger.With("component", "reload_handler"),
	}
}

// Handle broadcasts a reload to every subscribed browser and reports how many
// received it. The reason defaults to "manual".
func (h *ReloadHandler) Handle(c echo.Context) error {
	var body reloadRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	reason := body.Reason
	if reason == "" {
		reason = model.ReasonManual
	}
	if err := validateReason(reason); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	delivered := h.notifier.NotifyChange(reason)
	h.logger.Info("reload requested",
		"reason", reason,
		"delivered", delivered,
		"remote_ip", c.RealIP(),
	)

	return c.JSON(http.StatusOK, map[string]any{
		"reason":    reason,
		"delivered": delivered,
	})
}

// validateReason rejects reasons that would break event-stream framing.
func validateReason(reason string) error {
	if len(reason) > maxReasonLen {
		return errInvalidReason
	}
	if strings.IndexFunc(reason, func(r rune) bool { return r <= ' ' || r == 0x7f }) >= 0 {
		return errInvalidReason
	}
	return nil
}
