package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerpulse/ledgerlink/internal/tokenkit"
)

// ReportProxy forwards assessment data requests to the workflow-automation
// data webhook after the pre-flight token gate has produced a usable access
// token. The webhook pulls the accounting reports; this service only
// guarantees the token it forwards is valid or about to be refreshed.
type ReportProxy struct {
	Gate           *tokenkit.ValidationGate
	DataWebhookURL string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

type reportRequest struct {
	ReportType string `json:"report_type"`
	StartDate  string `json:"start_date,omitempty"`
	EndDate    string `json:"end_date,omitempty"`
}

// MountReportRoutes registers the data-fetch endpoint on an authenticated
// router group.
func MountReportRoutes(router gin.IRouter, proxy *ReportProxy) {
	if proxy.HTTPClient == nil {
		proxy.HTTPClient = &http.Client{}
	}
	if proxy.Logger == nil {
		proxy.Logger = zap.NewNop()
	}
	router.POST("/reports/fetch", proxy.handleFetchReport)
}

func (proxy *ReportProxy) handleFetchReport(contextGin *gin.Context) {
	userID, ok := authenticatedUserID(contextGin)
	if !ok {
		return
	}
	var inbound reportRequest
	if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || inbound.ReportType == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reports.fetch.invalid_json"})
		return
	}

	record, outcome, gateErr := proxy.Gate.ValidateAndRefreshIfNeeded(contextGin, userID)
	if gateErr != nil {
		if errors.Is(gateErr, tokenkit.ErrReauthRequired) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "reports.fetch.reconnect_required"})
			return
		}
		proxy.Logger.Error("token gate failed",
			zap.String("code", "reports.fetch.gate_error"),
			zap.String("user_id", userID),
			zap.Error(gateErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	payload, forwardErr := proxy.forward(contextGin, record, inbound)
	if forwardErr != nil {
		proxy.Logger.Warn("data webhook call failed",
			zap.String("code", "reports.fetch.webhook_failed"),
			zap.String("user_id", userID),
			zap.String("gate_outcome", string(outcome)),
			zap.Error(forwardErr))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "reports.fetch.upstream_failed"})
		return
	}
	contextGin.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

func (proxy *ReportProxy) forward(ctx context.Context, record *tokenkit.TokenRecord, inbound reportRequest) ([]byte, error) {
	body, encodeErr := json.Marshal(gin.H{
		"realm_id":    record.RealmID,
		"report_type": inbound.ReportType,
		"start_date":  inbound.StartDate,
		"end_date":    inbound.EndDate,
	})
	if encodeErr != nil {
		return nil, encodeErr
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, proxy.DataWebhookURL, bytes.NewReader(body))
	if requestErr != nil {
		return nil, requestErr
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", record.TokenType+" "+record.AccessToken)

	response, doErr := proxy.HTTPClient.Do(request)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = response.Body.Close() }()
	payload, readErr := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if readErr != nil {
		return nil, readErr
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reports.webhook_status_%d", response.StatusCode)
	}
	return payload, nil
}
