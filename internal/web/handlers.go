package web

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerpulse/ledgerlink/internal/tokenkit"
	"github.com/ledgerpulse/ledgerlink/pkg/sessionvalidator"
)

// QuickBooksAccountingScope is the OAuth scope requested on connect.
const QuickBooksAccountingScope = "com.intuit.quickbooks.accounting"

// ConnectService bundles the collaborators behind the QuickBooks connection
// endpoints.
type ConnectService struct {
	Configuration tokenkit.Config
	Store         tokenkit.TokenStore
	Provider      tokenkit.ProviderClient
	Gate          *tokenkit.ValidationGate
	Revoker       *tokenkit.RevocationManager
	States        ConnectStateStore
	Schedulers    *SchedulerRegistry
	Clock         tokenkit.Clock
	Logger        *zap.Logger
}

// MountConnectRoutes registers the QuickBooks connection endpoints on an
// already-authenticated router group.
func MountConnectRoutes(router gin.IRouter, service *ConnectService) {
	if service.Clock == nil {
		service.Clock = tokenkit.NewSystemClock()
	}
	if service.Logger == nil {
		service.Logger = zap.NewNop()
	}

	router.GET("/connect/quickbooks", service.handleConnectStart)
	router.GET("/connect/callback", service.handleConnectCallback)
	router.GET("/connect/status", service.handleConnectionStatus)
	router.POST("/connect/disconnect", service.handleDisconnect)
}

func (service *ConnectService) handleConnectStart(contextGin *gin.Context) {
	userID, ok := authenticatedUserID(contextGin)
	if !ok {
		return
	}
	state, stateErr := service.States.Issue(contextGin, userID)
	if stateErr != nil {
		service.Logger.Error("failed to issue connect state",
			zap.String("code", "connect.start.state_failed"),
			zap.Error(stateErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	authorizeURL, buildErr := buildAuthorizeURL(service.Configuration, state)
	if buildErr != nil {
		service.Logger.Error("failed to build authorize url",
			zap.String("code", "connect.start.bad_authorize_url"),
			zap.Error(buildErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"authorize_url": authorizeURL})
}

func (service *ConnectService) handleConnectCallback(contextGin *gin.Context) {
	userID, ok := authenticatedUserID(contextGin)
	if !ok {
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	state := strings.TrimSpace(contextGin.Query("state"))
	realmID := strings.TrimSpace(contextGin.Query("realmId"))
	if code == "" || state == "" || realmID == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "connect.callback.missing_params"})
		return
	}

	stateUserID, stateErr := service.States.Consume(contextGin, state)
	if stateErr != nil || stateUserID != userID {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "connect.callback.invalid_state"})
		return
	}

	grant, exchangeErr := service.Provider.ExchangeCode(contextGin, code)
	if exchangeErr != nil {
		service.Logger.Warn("authorization code exchange failed",
			zap.String("code", "connect.callback.exchange_failed"),
			zap.String("user_id", userID),
			zap.Error(exchangeErr))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "connect.callback.exchange_failed"})
		return
	}

	now := service.Clock.Now()
	record := tokenkit.TokenRecord{
		UserID:        userID,
		RealmID:       realmID,
		AccessToken:   grant.AccessToken,
		RefreshToken:  grant.RefreshToken,
		TokenType:     grant.TokenType,
		IssuedAtUnix:  now.Unix(),
		ExpiresAtUnix: now.Add(time.Duration(grant.ExpiresInSeconds) * time.Second).Unix(),
	}
	if storeErr := service.Store.Store(contextGin, record); storeErr != nil {
		service.Logger.Error("failed to persist token record",
			zap.String("code", "connect.callback.store_failed"),
			zap.String("user_id", userID),
			zap.Error(storeErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	if service.Schedulers != nil {
		service.Schedulers.Start(userID)
	}

	service.Logger.Info("quickbooks company connected",
		zap.String("code", "connect.callback.connected"),
		zap.String("user_id", userID),
		zap.String("realm_id", realmID))
	contextGin.JSON(http.StatusOK, gin.H{
		"realm_id":   realmID,
		"expires_at": record.ExpiresAt(),
	})
}

func (service *ConnectService) handleConnectionStatus(contextGin *gin.Context) {
	userID, ok := authenticatedUserID(contextGin)
	if !ok {
		return
	}
	record, getErr := service.Store.Get(contextGin, userID)
	if getErr != nil {
		if errors.Is(getErr, tokenkit.ErrTokenRecordNotFound) {
			contextGin.JSON(http.StatusOK, gin.H{"connected": false})
			return
		}
		service.Logger.Error("failed to load token record",
			zap.String("code", "connect.status.load_failed"),
			zap.String("user_id", userID),
			zap.Error(getErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	now := service.Clock.Now()
	contextGin.JSON(http.StatusOK, gin.H{
		"connected":   true,
		"realm_id":    record.RealmID,
		"expires_at":  record.ExpiresAt(),
		"expired":     record.IsExpired(now),
		"near_expiry": record.IsNearExpiry(now, service.Configuration.NearExpiryThreshold),
	})
}

func (service *ConnectService) handleDisconnect(contextGin *gin.Context) {
	userID, ok := authenticatedUserID(contextGin)
	if !ok {
		return
	}
	if service.Schedulers != nil {
		service.Schedulers.Stop(userID)
	}
	if revokeErr := service.Revoker.Revoke(contextGin, userID); revokeErr != nil {
		service.Logger.Error("disconnect failed",
			zap.String("code", "connect.disconnect.failed"),
			zap.String("user_id", userID),
			zap.Error(revokeErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

// authenticatedUserID pulls the identity claims injected by the session
// middleware; aborts with 401 when they are missing or malformed.
func authenticatedUserID(contextGin *gin.Context) (string, bool) {
	claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
	if !found {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	claims, ok := claimsValue.(*sessionvalidator.Claims)
	if !ok || claims.GetUserID() == "" {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	return claims.GetUserID(), true
}

func buildAuthorizeURL(configuration tokenkit.Config, state string) (string, error) {
	parsed, err := url.Parse(configuration.AuthorizeEndpointURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("client_id", configuration.ClientID)
	query.Set("response_type", "code")
	query.Set("scope", QuickBooksAccountingScope)
	query.Set("redirect_uri", configuration.RedirectURL)
	query.Set("state", state)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
