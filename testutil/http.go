/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/restapi"
)

// RequireErrorInRecorder asserts that the recorded response is a restapi error with the domain and code.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorInResponse(t, resp.Code, resp.Header(), resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireErrorInResponse asserts that the response is a restapi error with the domain and code.
// The body is consumed but not closed.
func RequireErrorInResponse(t require.TestingT, resp *http.Response, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorInResponse(t, resp.StatusCode, resp.Header, resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

func requireErrorInResponse(
	t require.TestingT, code int, header http.Header, body io.Reader, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, code)
	require.Equal(t, restapi.ContentTypeAppJSON, header.Get("Content-Type"))
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var errResp restapi.ErrorResponseData
	require.NoError(t, sonic.ConfigDefault.Unmarshal(data, &errResp))
	require.NotNil(t, errResp.Err)
	require.Equal(t, wantErrDomain, errResp.Err.Domain)
	require.Equal(t, wantErrCode, errResp.Err.Code)
}

// RequireFailureInRecorder asserts that the recorded response is a failed restapi.Envelope with the message.
func RequireFailureInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantMessage string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, resp.Code)
	require.Equal(t, restapi.ContentTypeAppJSON, resp.Header().Get("Content-Type"))
	var env restapi.Envelope
	require.NoError(t, sonic.ConfigDefault.Unmarshal(resp.Body.Bytes(), &env))
	require.False(t, env.Success)
	require.Equal(t, wantMessage, env.Message)
	require.Nil(t, env.Body)
}
