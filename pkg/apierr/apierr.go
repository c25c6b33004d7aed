// Package apierr writes the public error envelope to fasthttp responses:
// {"error":{"code","message","type"}}. The classification itself lives in
// internal/apierrs; this package is only the wire shape.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:    code,
		Message: message,
		Type:    errType,
	}})
	ctx.SetBody(body)
}
