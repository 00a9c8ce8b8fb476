package httpfront

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/coordinator"
)

// errorBody is the wire shape for every error response (spec.md §7).
type errorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
}

// writeGatewayError renders gwErr as the standard error envelope, setting
// Kasha-Code to mirror the wire code per spec.md §6/§7.
func writeGatewayError(ctx *fasthttp.RequestCtx, gwErr *coordinator.Error, logger *zap.Logger) {
	ctx.Response.Header.Set("Kasha-Code", gwErr.Kind)
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(gwErr.HTTPStatus)

	body := errorBody{Code: gwErr.Kind, Message: gwErr.Message, Timestamp: time.Now().UTC(), EventID: gwErr.EventID}
	raw, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to encode error body", zap.Error(err))
		ctx.SetBodyString(`{"code":"SERVER_INTERNAL_ERROR","message":"internal error"}`)
		return
	}
	ctx.SetBody(raw)
}

// writePlainError renders a bare status/message pair for failures that
// precede structured-error construction (e.g. admin auth).
func writePlainError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.Response.Header.Set("Kasha-Code", code)
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(status)
	body := errorBody{Code: code, Message: message, Timestamp: time.Now().UTC()}
	raw, _ := json.Marshal(body)
	ctx.SetBody(raw)
}
