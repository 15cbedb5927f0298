package tokenkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ErrEmptyGrantResponse indicates a 200 token response without an access token.
var ErrEmptyGrantResponse = errors.New("provider.empty_grant_response")

// GrantResult is the parsed success payload from the token endpoint.
type GrantResult struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int64  `json:"expires_in"`
}

// ProviderClient talks to the OAuth token and revoke endpoints. All calls
// are bounded by the configured request timeout.
type ProviderClient interface {
	// ExchangeCode trades an authorization code for a fresh token set.
	ExchangeCode(ctx context.Context, authorizationCode string) (*GrantResult, error)
	// RefreshGrant rotates the token set using the stored refresh token.
	// Failures are returned as *OAuthError.
	RefreshGrant(ctx context.Context, refreshToken string) (*GrantResult, error)
	// Revoke invalidates the given token at the provider.
	Revoke(ctx context.Context, token string) error
}

// HTTPProviderClient implements ProviderClient against the workflow proxy
// (or the provider directly, with a DirectUnwrapper). The client secret is
// injected server-side by the proxy and never appears in these requests.
type HTTPProviderClient struct {
	configuration Config
	httpClient    *http.Client
	unwrapper     ErrorUnwrapper
	logger        *zap.Logger
}

// NewHTTPProviderClient constructs the HTTP provider client.
func NewHTTPProviderClient(configuration Config, unwrapper ErrorUnwrapper, logger *zap.Logger) *HTTPProviderClient {
	if unwrapper == nil {
		unwrapper = DirectUnwrapper{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProviderClient{
		configuration: configuration,
		httpClient:    &http.Client{},
		unwrapper:     unwrapper,
		logger:        logger,
	}
}

// ExchangeCode posts the authorization code to the token endpoint.
func (client *HTTPProviderClient) ExchangeCode(ctx context.Context, authorizationCode string) (*GrantResult, error) {
	payload := map[string]string{
		"grant_type":   "authorization_code",
		"code":         authorizationCode,
		"client_id":    client.configuration.ClientID,
		"redirect_uri": client.configuration.RedirectURL,
	}
	return client.postGrant(ctx, payload)
}

// RefreshGrant posts the refresh token to the token endpoint.
func (client *HTTPProviderClient) RefreshGrant(ctx context.Context, refreshToken string) (*GrantResult, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     client.configuration.ClientID,
	}
	return client.postGrant(ctx, payload)
}

// Revoke posts the token to the revoke endpoint. Only the status matters;
// callers treat failures as best-effort.
func (client *HTTPProviderClient) Revoke(ctx context.Context, token string) error {
	payload := map[string]string{
		"token":     token,
		"client_id": client.configuration.ClientID,
	}
	response, err := client.post(ctx, client.configuration.RevokeEndpointURL, payload)
	if err != nil {
		return fmt.Errorf("provider.revoke: %w", classifyTransportError(err))
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return fmt.Errorf("provider.revoke: %w", ClassifyResponse(client.unwrapper, response.StatusCode, body))
	}
	return nil
}

func (client *HTTPProviderClient) postGrant(ctx context.Context, payload map[string]string) (*GrantResult, error) {
	response, err := client.post(ctx, client.configuration.TokenEndpointURL, payload)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		return nil, classifyTransportError(readErr)
	}
	if response.StatusCode != http.StatusOK {
		return nil, ClassifyResponse(client.unwrapper, response.StatusCode, body)
	}

	var grant GrantResult
	if decodeErr := json.Unmarshal(body, &grant); decodeErr != nil {
		return nil, fmt.Errorf("provider.decode_grant: %w", decodeErr)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return nil, fmt.Errorf("provider.grant: %w", ErrEmptyGrantResponse)
	}
	if grant.TokenType == "" {
		grant.TokenType = "Bearer"
	}
	return &grant, nil
}

func (client *HTTPProviderClient) post(ctx context.Context, endpointURL string, payload map[string]string) (*http.Response, error) {
	requestCtx, cancel := context.WithTimeout(ctx, client.configuration.RequestTimeout)
	body, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		cancel()
		return nil, encodeErr
	}
	request, requestErr := http.NewRequestWithContext(requestCtx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if requestErr != nil {
		cancel()
		return nil, requestErr
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		cancel()
		return nil, doErr
	}
	response.Body = &cancelOnCloseBody{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

// classifyTransportError resolves client-side failures into the taxonomy:
// a deadline becomes a timeout, everything else a network error. Both
// classes require re-authentication downstream.
func classifyTransportError(err error) *OAuthError {
	code := CodeNetworkError
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &OAuthError{
		Code:        code,
		Description: err.Error(),
	}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (body *cancelOnCloseBody) Close() error {
	defer body.cancel()
	return body.ReadCloser.Close()
}
