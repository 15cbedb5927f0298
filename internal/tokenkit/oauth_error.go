package tokenkit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode enumerates OAuth provider failure classes plus the transport
// failures this client resolves locally.
type ErrorCode string

// Provider error codes from RFC 6749 plus QuickBooks' expired_token, and
// the local transport classes.
const (
	CodeInvalidGrant           ErrorCode = "invalid_grant"
	CodeInvalidRequest         ErrorCode = "invalid_request"
	CodeInvalidClient          ErrorCode = "invalid_client"
	CodeUnauthorizedClient     ErrorCode = "unauthorized_client"
	CodeUnsupportedGrantType   ErrorCode = "unsupported_grant_type"
	CodeInvalidScope           ErrorCode = "invalid_scope"
	CodeAccessDenied           ErrorCode = "access_denied"
	CodeServerError            ErrorCode = "server_error"
	CodeTemporarilyUnavailable ErrorCode = "temporarily_unavailable"
	CodeExpiredToken           ErrorCode = "expired_token"
	CodeNetworkError           ErrorCode = "network_error"
	CodeTimeout                ErrorCode = "timeout"
	CodeUnknown                ErrorCode = "unknown_error"
)

// OAuthError is the classified outcome of a failed provider call. It keeps
// the raw payload for diagnostics; callers branch on Retryable and
// RequiresReauth, never on the raw body.
type OAuthError struct {
	Code        ErrorCode
	HTTPStatus  int
	Description string
	RawPayload  string
}

// Error renders the code, status, and description.
func (oauthError *OAuthError) Error() string {
	if oauthError.Description == "" {
		return fmt.Sprintf("oauth error %s (http %d)", oauthError.Code, oauthError.HTTPStatus)
	}
	return fmt.Sprintf("oauth error %s (http %d): %s", oauthError.Code, oauthError.HTTPStatus, oauthError.Description)
}

// Retryable reports whether another attempt within the same refresh cycle
// may succeed. Unknown codes on a 5xx count as provider-side trouble.
func (oauthError *OAuthError) Retryable() bool {
	switch oauthError.Code {
	case CodeServerError, CodeTemporarilyUnavailable:
		return true
	}
	if oauthError.Code == CodeUnknown && oauthError.HTTPStatus >= http.StatusInternalServerError {
		return true
	}
	return false
}

// RequiresReauth reports whether the stored credentials are unrecoverable
// and the user must redo the authorization flow. Timeouts and network
// failures are included: an unreachable token endpoint must never leave
// stale tokens lingering.
func (oauthError *OAuthError) RequiresReauth() bool {
	switch oauthError.Code {
	case CodeInvalidGrant, CodeInvalidClient, CodeUnauthorizedClient,
		CodeAccessDenied, CodeExpiredToken, CodeNetworkError, CodeTimeout:
		return true
	}
	return false
}

func knownErrorCode(raw string) (ErrorCode, bool) {
	switch ErrorCode(strings.TrimSpace(strings.ToLower(raw))) {
	case CodeInvalidGrant:
		return CodeInvalidGrant, true
	case CodeInvalidRequest:
		return CodeInvalidRequest, true
	case CodeInvalidClient:
		return CodeInvalidClient, true
	case CodeUnauthorizedClient:
		return CodeUnauthorizedClient, true
	case CodeUnsupportedGrantType:
		return CodeUnsupportedGrantType, true
	case CodeInvalidScope:
		return CodeInvalidScope, true
	case CodeAccessDenied:
		return CodeAccessDenied, true
	case CodeServerError:
		return CodeServerError, true
	case CodeTemporarilyUnavailable:
		return CodeTemporarilyUnavailable, true
	case CodeExpiredToken:
		return CodeExpiredToken, true
	default:
		return CodeUnknown, false
	}
}

// ErrorUnwrapper extracts the OAuth error code and description from a
// non-200 provider response body. Proxy deployments plug an unwrapper that
// peels the proxy envelope; direct deployments use the passthrough.
type ErrorUnwrapper interface {
	Unwrap(body []byte) (code string, description string)
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// DirectUnwrapper decodes a plain RFC 6749 error body.
type DirectUnwrapper struct{}

// Unwrap reads error and error_description from the body.
func (DirectUnwrapper) Unwrap(body []byte) (string, string) {
	var decoded oauthErrorBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	description := decoded.ErrorDescription
	if description == "" {
		description = decoded.Message
	}
	return decoded.Error, description
}

// ProxyEnvelopeUnwrapper handles the workflow-automation proxy, which
// sometimes re-wraps the real OAuth error as JSON inside the description
// or message field. Exactly one layer of wrapping is peeled.
type ProxyEnvelopeUnwrapper struct{}

// Unwrap decodes the outer body, then retries the description/message as a
// nested OAuth error body.
func (ProxyEnvelopeUnwrapper) Unwrap(body []byte) (string, string) {
	var outer oauthErrorBody
	if err := json.Unmarshal(body, &outer); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	wrapped := outer.ErrorDescription
	if wrapped == "" {
		wrapped = outer.Message
	}
	var inner oauthErrorBody
	if err := json.Unmarshal([]byte(wrapped), &inner); err == nil && inner.Error != "" {
		description := inner.ErrorDescription
		if description == "" {
			description = inner.Message
		}
		return inner.Error, description
	}
	return outer.Error, wrapped
}

// ClassifyResponse maps a non-200 provider response into the taxonomy.
func ClassifyResponse(unwrapper ErrorUnwrapper, httpStatus int, body []byte) *OAuthError {
	rawCode, description := unwrapper.Unwrap(body)
	code, _ := knownErrorCode(rawCode)
	return &OAuthError{
		Code:        code,
		HTTPStatus:  httpStatus,
		Description: description,
		RawPayload:  string(body),
	}
}
