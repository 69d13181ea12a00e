/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"net/http"

	"github.com/acronis/go-quotaguard/log"
)

// Envelope is the body of dashboard-facing responses:
// {"success": true, "body": {...}} or {"success": false, "message": "..."}.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Body    interface{} `json:"body,omitempty"`
}

// RespondSuccess sends 200 with a successful envelope around body.
func RespondSuccess(rw http.ResponseWriter, body interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, Envelope{Success: true, Body: body}, logger)
}

// RespondFailure sends the status code with a failed envelope carrying the message.
// The failure is logged and counted under the domain with the code derived from the status.
func RespondFailure(rw http.ResponseWriter, statusCode int, domain, message string, logger log.FieldLogger) {
	logAndCountError(NewError(domain, httpCode2ErrorCode(statusCode), message), logger)
	RespondCodeAndJSON(rw, statusCode, Envelope{Success: false, Message: message}, logger)
}
