package tokenkit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by Config.Normalize when a value is left unset.
const (
	DefaultMaxRefreshAttempts  = 3
	DefaultBackoffBaseDelay    = 2000 * time.Millisecond
	DefaultNearExpiryThreshold = 12 * time.Hour
	DefaultRequestTimeout      = 10 * time.Second
)

var (
	// ErrMissingTokenEndpoint indicates no OAuth token endpoint URL was configured.
	ErrMissingTokenEndpoint = errors.New("token_config.missing_token_endpoint")
	// ErrMissingRevokeEndpoint indicates no OAuth revoke endpoint URL was configured.
	ErrMissingRevokeEndpoint = errors.New("token_config.missing_revoke_endpoint")
	// ErrMissingClientID indicates no OAuth client id was configured.
	ErrMissingClientID = errors.New("token_config.missing_client_id")
	// ErrInvalidMaxAttempts indicates a non-positive refresh attempt limit.
	ErrInvalidMaxAttempts = errors.New("token_config.invalid_max_attempts")
	// ErrInvalidBackoffBase indicates a non-positive backoff base delay.
	ErrInvalidBackoffBase = errors.New("token_config.invalid_backoff_base")
	// ErrInvalidNearExpiry indicates a negative near-expiry threshold.
	ErrInvalidNearExpiry = errors.New("token_config.invalid_near_expiry_threshold")
	// ErrInvalidRequestTimeout indicates a non-positive provider request timeout.
	ErrInvalidRequestTimeout = errors.New("token_config.invalid_request_timeout")
)

// Config carries the token lifecycle settings. The client secret never
// appears here; the workflow proxy injects it server-side.
type Config struct {
	TokenEndpointURL     string
	RevokeEndpointURL    string
	AuthorizeEndpointURL string
	RedirectURL          string
	ClientID             string
	MaxRefreshAttempts   int
	BackoffBaseDelay     time.Duration
	NearExpiryThreshold  time.Duration
	RequestTimeout       time.Duration
}

// Normalize fills unset tuning knobs with the package defaults.
func (configuration Config) Normalize() Config {
	if configuration.MaxRefreshAttempts == 0 {
		configuration.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	if configuration.BackoffBaseDelay == 0 {
		configuration.BackoffBaseDelay = DefaultBackoffBaseDelay
	}
	if configuration.NearExpiryThreshold == 0 {
		configuration.NearExpiryThreshold = DefaultNearExpiryThreshold
	}
	if configuration.RequestTimeout == 0 {
		configuration.RequestTimeout = DefaultRequestTimeout
	}
	return configuration
}

// Validate checks required endpoints and tuning values. Call once at startup
// after Normalize so a misconfigured deployment fails fast.
func (configuration Config) Validate() error {
	if strings.TrimSpace(configuration.TokenEndpointURL) == "" {
		return fmt.Errorf("token_config.validate: %w", ErrMissingTokenEndpoint)
	}
	if strings.TrimSpace(configuration.RevokeEndpointURL) == "" {
		return fmt.Errorf("token_config.validate: %w", ErrMissingRevokeEndpoint)
	}
	if strings.TrimSpace(configuration.ClientID) == "" {
		return fmt.Errorf("token_config.validate: %w", ErrMissingClientID)
	}
	if configuration.MaxRefreshAttempts <= 0 {
		return fmt.Errorf("token_config.validate: %w", ErrInvalidMaxAttempts)
	}
	if configuration.BackoffBaseDelay <= 0 {
		return fmt.Errorf("token_config.validate: %w", ErrInvalidBackoffBase)
	}
	if configuration.NearExpiryThreshold < 0 {
		return fmt.Errorf("token_config.validate: %w", ErrInvalidNearExpiry)
	}
	if configuration.RequestTimeout <= 0 {
		return fmt.Errorf("token_config.validate: %w", ErrInvalidRequestTimeout)
	}
	return nil
}
