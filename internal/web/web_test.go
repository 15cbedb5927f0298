package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerpulse/ledgerlink/internal/tokenkit"
	"github.com/ledgerpulse/ledgerlink/pkg/sessionvalidator"
	webassets "github.com/ledgerpulse/ledgerlink/web"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

type fakeProvider struct {
	exchangeGrant *tokenkit.GrantResult
	exchangeErr   error
	refreshGrant  *tokenkit.GrantResult
	refreshErr    error
	revokeErr     error
	revokedTokens []string
}

func (provider *fakeProvider) ExchangeCode(ctx context.Context, authorizationCode string) (*tokenkit.GrantResult, error) {
	return provider.exchangeGrant, provider.exchangeErr
}

func (provider *fakeProvider) RefreshGrant(ctx context.Context, refreshToken string) (*tokenkit.GrantResult, error) {
	return provider.refreshGrant, provider.refreshErr
}

func (provider *fakeProvider) Revoke(ctx context.Context, token string) error {
	provider.revokedTokens = append(provider.revokedTokens, token)
	return provider.revokeErr
}

func claimsMiddleware(userID string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.Set(sessionvalidator.DefaultContextKey, &sessionvalidator.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		})
		contextGin.Next()
	}
}

func testTokenConfig() tokenkit.Config {
	return tokenkit.Config{
		TokenEndpointURL:     "https://proxy.example.com/token",
		RevokeEndpointURL:    "https://proxy.example.com/revoke",
		AuthorizeEndpointURL: "https://appcenter.intuit.com/connect/oauth2",
		RedirectURL:          "https://app.example.com/connect/callback",
		ClientID:             "qbo-client",
	}.Normalize()
}

type connectTestRig struct {
	router  *gin.Engine
	store   tokenkit.TokenStore
	service *ConnectService
}

func newConnectTestRig(t *testing.T, provider tokenkit.ProviderClient, now time.Time) *connectTestRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	configuration := testTokenConfig()
	store := tokenkit.NewMemoryTokenStore()
	clock := fixedClock{timestamp: now}
	state := tokenkit.NewRefreshState()
	logger := zaptest.NewLogger(t)
	coordinator := tokenkit.NewRefreshCoordinator(configuration, store, provider, state, clock, nil, logger, nil)
	gate := tokenkit.NewValidationGate(configuration, store, coordinator, clock, logger, nil)
	revoker := tokenkit.NewRevocationManager(store, provider, state, logger, nil)

	service := &ConnectService{
		Configuration: configuration,
		Store:         store,
		Provider:      provider,
		Gate:          gate,
		Revoker:       revoker,
		States:        NewMemoryConnectStateStore(5 * time.Minute),
		Clock:         clock,
		Logger:        logger,
	}

	router := gin.New()
	authenticated := router.Group("/")
	authenticated.Use(claimsMiddleware("user-1"))
	MountConnectRoutes(authenticated, service)
	return &connectTestRig{router: router, store: store, service: service}
}

func seedConnection(t *testing.T, store tokenkit.TokenStore, now time.Time, remaining time.Duration) {
	t.Helper()
	record := tokenkit.TokenRecord{
		UserID:        "user-1",
		RealmID:       "realm-42",
		AccessToken:   "stored-access",
		RefreshToken:  "stored-refresh",
		TokenType:     "Bearer",
		IssuedAtUnix:  now.Add(-time.Hour).Unix(),
		ExpiresAtUnix: now.Add(remaining).Unix(),
	}
	if err := store.Store(context.Background(), record); err != nil {
		t.Fatalf("seed store failed: %v", err)
	}
}

func TestConnectStartReturnsAuthorizeURL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	rig := newConnectTestRig(t, &fakeProvider{}, now)

	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/connect/quickbooks", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		AuthorizeURL string `json:"authorize_url"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	parsed, parseErr := url.Parse(payload.AuthorizeURL)
	if parseErr != nil {
		t.Fatalf("authorize url does not parse: %v", parseErr)
	}
	query := parsed.Query()
	if query.Get("client_id") != "qbo-client" {
		t.Fatalf("expected client_id in authorize url, got %q", query.Get("client_id"))
	}
	if query.Get("scope") != QuickBooksAccountingScope {
		t.Fatalf("expected accounting scope, got %q", query.Get("scope"))
	}
	if query.Get("response_type") != "code" {
		t.Fatalf("expected response_type=code, got %q", query.Get("response_type"))
	}
	if query.Get("state") == "" {
		t.Fatalf("expected a state parameter")
	}
}

func TestConnectCallbackStoresRecord(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	provider := &fakeProvider{exchangeGrant: &tokenkit.GrantResult{
		AccessToken:      "fresh-access",
		RefreshToken:     "fresh-refresh",
		TokenType:        "Bearer",
		ExpiresInSeconds: 3600,
	}}
	rig := newConnectTestRig(t, provider, now)

	state, stateErr := rig.service.States.Issue(context.Background(), "user-1")
	if stateErr != nil {
		t.Fatalf("issue state failed: %v", stateErr)
	}

	target := "/connect/callback?code=auth-code&state=" + url.QueryEscape(state) + "&realmId=realm-42"
	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	record, getErr := rig.store.Get(context.Background(), "user-1")
	if getErr != nil {
		t.Fatalf("expected record persisted, got %v", getErr)
	}
	if record.RealmID != "realm-42" || record.AccessToken != "fresh-access" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.ExpiresAtUnix != now.Add(time.Hour).Unix() {
		t.Fatalf("expected expiry an hour out, got %d", record.ExpiresAtUnix)
	}
}

func TestConnectCallbackRejectsUnknownState(t *testing.T) {
	t.Parallel()

	rig := newConnectTestRig(t, &fakeProvider{}, time.Unix(1700000000, 0).UTC())

	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/connect/callback?code=auth-code&state=bogus&realmId=realm-42", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", recorder.Code)
	}
}

func TestConnectCallbackRejectsMissingParams(t *testing.T) {
	t.Parallel()

	rig := newConnectTestRig(t, &fakeProvider{}, time.Unix(1700000000, 0).UTC())

	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/connect/callback?code=auth-code&state=some-state", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when realmId missing, got %d", recorder.Code)
	}
}

func TestConnectCallbackExchangeFailure(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{exchangeErr: &tokenkit.OAuthError{Code: tokenkit.CodeInvalidGrant, HTTPStatus: 400}}
	rig := newConnectTestRig(t, provider, time.Unix(1700000000, 0).UTC())

	state, stateErr := rig.service.States.Issue(context.Background(), "user-1")
	if stateErr != nil {
		t.Fatalf("issue state failed: %v", stateErr)
	}

	target := "/connect/callback?code=bad-code&state=" + url.QueryEscape(state) + "&realmId=realm-42"
	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on exchange failure, got %d", recorder.Code)
	}
}

func TestConnectionStatusNotConnected(t *testing.T) {
	t.Parallel()

	rig := newConnectTestRig(t, &fakeProvider{}, time.Unix(1700000000, 0).UTC())

	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/connect/status", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["connected"] != false {
		t.Fatalf("expected connected=false, got %v", payload["connected"])
	}
}

func TestConnectionStatusConnected(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	rig := newConnectTestRig(t, &fakeProvider{}, now)
	seedConnection(t, rig.store, now, time.Hour)

	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/connect/status", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["connected"] != true {
		t.Fatalf("expected connected=true, got %v", payload["connected"])
	}
	if payload["realm_id"] != "realm-42" {
		t.Fatalf("expected realm id, got %v", payload["realm_id"])
	}
	if payload["expired"] != false {
		t.Fatalf("expected expired=false, got %v", payload["expired"])
	}
	if payload["near_expiry"] != true {
		t.Fatalf("expected near_expiry=true for a token expiring within the threshold, got %v", payload["near_expiry"])
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	provider := &fakeProvider{}
	rig := newConnectTestRig(t, provider, now)
	seedConnection(t, rig.store, now, time.Hour)

	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/connect/disconnect", nil))

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if len(provider.revokedTokens) != 1 || provider.revokedTokens[0] != "stored-refresh" {
		t.Fatalf("expected refresh token revoked, got %v", provider.revokedTokens)
	}
	if _, err := rig.store.Get(context.Background(), "user-1"); !errors.Is(err, tokenkit.ErrTokenRecordNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestConnectEndpointsRequireClaims(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	rig := newConnectTestRig(t, &fakeProvider{}, time.Unix(1700000000, 0).UTC())
	bare := gin.New()
	MountConnectRoutes(bare, rig.service)

	recorder := httptest.NewRecorder()
	bare.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/connect/status", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without claims, got %d", recorder.Code)
	}
}

func TestReportProxyForwardsWithAccessToken(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	rig := newConnectTestRig(t, &fakeProvider{}, now)
	seedConnection(t, rig.store, now, 24*time.Hour)

	var receivedAuth string
	var receivedBody map[string]string
	webhook := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		receivedAuth = request.Header.Get("Authorization")
		_ = json.NewDecoder(request.Body).Decode(&receivedBody)
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"rows":[{"account":"Sales","total":"1200.00"}]}`))
	}))
	defer webhook.Close()

	router := gin.New()
	authenticated := router.Group("/")
	authenticated.Use(claimsMiddleware("user-1"))
	MountReportRoutes(authenticated, &ReportProxy{
		Gate:           rig.service.Gate,
		DataWebhookURL: webhook.URL,
		Logger:         zaptest.NewLogger(t),
	})

	request := httptest.NewRequest(http.MethodPost, "/reports/fetch", strings.NewReader(`{"report_type":"profit_and_loss","start_date":"2026-01-01","end_date":"2026-06-30"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if receivedAuth != "Bearer stored-access" {
		t.Fatalf("expected bearer header with stored token, got %q", receivedAuth)
	}
	if receivedBody["realm_id"] != "realm-42" {
		t.Fatalf("expected realm id forwarded, got %q", receivedBody["realm_id"])
	}
	if receivedBody["report_type"] != "profit_and_loss" {
		t.Fatalf("expected report type forwarded, got %q", receivedBody["report_type"])
	}
	if !strings.Contains(recorder.Body.String(), "Sales") {
		t.Fatalf("expected webhook payload relayed, got %s", recorder.Body.String())
	}
}

func TestReportProxyRequiresConnection(t *testing.T) {
	t.Parallel()

	rig := newConnectTestRig(t, &fakeProvider{}, time.Unix(1700000000, 0).UTC())

	router := gin.New()
	authenticated := router.Group("/")
	authenticated.Use(claimsMiddleware("user-1"))
	MountReportRoutes(authenticated, &ReportProxy{
		Gate:           rig.service.Gate,
		DataWebhookURL: "https://workflow.example.com/webhook/reports",
		Logger:         zaptest.NewLogger(t),
	})

	request := httptest.NewRequest(http.MethodPost, "/reports/fetch", strings.NewReader(`{"report_type":"balance_sheet"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unconnected user, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "reconnect_required") {
		t.Fatalf("expected reconnect_required error, got %s", recorder.Body.String())
	}
}

func TestReportProxyRejectsMissingReportType(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	authenticated := router.Group("/")
	authenticated.Use(claimsMiddleware("user-1"))
	MountReportRoutes(authenticated, &ReportProxy{
		Gate:           nil,
		DataWebhookURL: "https://workflow.example.com/webhook/reports",
	})

	request := httptest.NewRequest(http.MethodPost, "/reports/fetch", strings.NewReader(`{}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing report_type, got %d", recorder.Code)
	}
}

func TestConnectStateStoreOneTimeConsumption(t *testing.T) {
	t.Parallel()

	store := NewMemoryConnectStateStore(5 * time.Minute)
	state, err := store.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	userID, consumeErr := store.Consume(context.Background(), state)
	if consumeErr != nil {
		t.Fatalf("consume failed: %v", consumeErr)
	}
	if userID != "user-1" {
		t.Fatalf("expected issuing user, got %q", userID)
	}

	if _, err := store.Consume(context.Background(), state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}

func TestConnectStateStoreExpiry(t *testing.T) {
	t.Parallel()

	store := NewMemoryConnectStateStore(time.Minute).(*memoryConnectStateStore)
	current := time.Unix(1700000000, 0).UTC()
	store.now = func() time.Time { return current }

	state, err := store.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := store.Consume(context.Background(), state); !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected ErrStateExpired, got %v", err)
	}
}

func TestSchedulerRegistryStartStop(t *testing.T) {
	t.Parallel()

	scheduler := tokenkit.NewRefreshScheduler(nil, time.Hour, zaptest.NewLogger(t))
	registry := NewSchedulerRegistry(context.Background(), scheduler)

	registry.Start("user-1")
	registry.Start("user-1")
	registry.Start("user-2")
	registry.Stop("user-1")
	registry.Stop("user-1")
	registry.StopAll()
}

func TestServeEmbeddedStaticJS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/client.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "connect-client.js")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/client.js", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.Contains(contentType, "javascript") {
		t.Fatalf("expected javascript content type, got %q", contentType)
	}

	missRouter := gin.New()
	missRouter.GET("/missing.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "missing.js")
	})
	missRecorder := httptest.NewRecorder()
	missRouter.ServeHTTP(missRecorder, httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	if missRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", missRecorder.Code)
	}
}

func TestServeClientConfig(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, ClientConfig{OAuthClientID: "qbo-client"})
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/static/config.js", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `"oauthClientId":"qbo-client"`) {
		t.Fatalf("expected client id in config script, got %s", body)
	}
	if !strings.Contains(body, "window.__LEDGERLINK_CONFIG") {
		t.Fatalf("expected config global assignment, got %s", body)
	}
	if recorder.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header")
	}
}

func TestConfigureCORSPreflight(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router := gin.New()
	router.Use(middleware)
	router.GET("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestSanitizeOriginsRejectsBadInput(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	if _, err := sanitizeOrigins(logger, nil); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for nil list, got %v", err)
	}
	if _, err := sanitizeOrigins(logger, []string{"*"}); !errors.Is(err, errWildcardOrigin) {
		t.Fatalf("expected errWildcardOrigin, got %v", err)
	}
	if _, err := sanitizeOrigins(logger, []string{"https://app.example.com/path"}); !errors.Is(err, errInvalidOrigin) {
		t.Fatalf("expected errInvalidOrigin for path, got %v", err)
	}
	if _, err := sanitizeOrigins(logger, []string{"ftp://app.example.com"}); !errors.Is(err, errInvalidOrigin) {
		t.Fatalf("expected errInvalidOrigin for scheme, got %v", err)
	}
}

func TestSanitizeOriginsNormalizesAndDeduplicates(t *testing.T) {
	t.Parallel()

	sanitized, err := sanitizeOrigins(zaptest.NewLogger(t), []string{
		" HTTPS://app.example.com ",
		"https://app.example.com",
		"http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected deduplicated origins, got %v", sanitized)
	}
}
