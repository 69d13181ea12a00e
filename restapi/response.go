/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package restapi contains helpers for writing JSON responses of the quota HTTP API.
package restapi

import (
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/acronis/go-quotaguard/log"
)

// ContentTypeAppJSON represents MIME media type for JSON.
const ContentTypeAppJSON = "application/json"

// RespondJSON sends response with 200 HTTP status code and the JSON-encoded data in the body.
func RespondJSON(rw http.ResponseWriter, respData interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, respData, logger)
}

// RespondCodeAndJSON sends response with the status code and the JSON-encoded data in the body.
// HTML characters are not escaped.
func RespondCodeAndJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}
	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
	}

	respJSON, err := sonic.ConfigDefault.Marshal(respData)
	if err != nil {
		if logger != nil {
			logger.Error("error while marshaling json for response body", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(statusCode)
	if _, err = rw.Write(respJSON); err != nil && logger != nil {
		logger.Error("error while writing response body", log.Error(err))
	}
}

// RespondError sends the error with the status code wrapped as {"error": {...}}.
func RespondError(rw http.ResponseWriter, statusCode int, err *Error, logger log.FieldLogger) {
	logAndCountError(err, logger)
	RespondCodeAndJSON(rw, statusCode, ErrorResponseData{Err: err}, logger)
}

// RespondInternalError sends response with 500 HTTP status code and an internal error.
func RespondInternalError(rw http.ResponseWriter, domain string, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewInternalError(domain), logger)
}

func logAndCountError(err *Error, logger log.FieldLogger) {
	if logger != nil {
		logger.Error("error in response",
			log.String("error_domain", err.Domain), log.String("error_code", err.Code),
			log.String("error_message", err.Message))
	}
	if metricsResponseErrors != nil {
		metricsResponseErrors.WithLabelValues(err.Domain, err.Code).Inc()
	}
}
