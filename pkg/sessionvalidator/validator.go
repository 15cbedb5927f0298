// Package sessionvalidator verifies the session tokens minted by the
// external identity provider fronting the assessment frontend. The service
// never manages user identities itself; it only needs a stable user
// identifier extracted from a signed session JWT.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "identity_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("identity.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("identity.validator.missing_issuer")
	ErrMissingToken      = errors.New("identity.validator.missing_token")
	ErrInvalidToken      = errors.New("identity.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("identity.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("identity.validator.expired")
)

// Validator validates identity-provider session tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
}

// Claims is the session payload embedded in identity-provider tokens. The
// subject is the stable external user identifier that token records are
// keyed against.
type Claims struct {
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// GetUserID returns the stable user identifier from the session.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmail returns the email associated with the session.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("identity.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("identity.validator.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("identity.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest extracts the session token from the Authorization header
// (Bearer) or the configured cookie, preferring the header, and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("identity.validator.validate_request: %w", ErrMissingToken)
	}
	if header := request.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return validator.ValidateToken(strings.TrimSpace(token))
		}
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("identity.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(cookie.Value)
}

// GinMiddleware returns a Gin middleware that validates the session and
// injects claims into the request context.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
