package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-signing-key")

const testIssuer = "ledgerpulse-identity"

func mintSessionToken(t *testing.T, issuedAt time.Time, lifetime time.Duration, subject, issuer string) string {
	t.Helper()
	claims := Claims{
		UserEmail:       "user@example.com",
		UserDisplayName: "Demo User",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func newTestValidator(t *testing.T, now time.Time) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: testSigningKey,
		Issuer:     testIssuer,
		Clock:      fixedClock{timestamp: now},
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	return validator
}

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

func TestNewRequiresSigningKey(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
}

func TestNewRequiresIssuer(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{SigningKey: testSigningKey, Issuer: "  "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	token := mintSessionToken(t, now, time.Hour, "user-123", testIssuer)

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("expected subject as user id, got %q", claims.GetUserID())
	}
	if claims.GetUserEmail() != "user@example.com" {
		t.Fatalf("unexpected email: %q", claims.GetUserEmail())
	}
	if !claims.GetExpiresAt().Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	token := mintSessionToken(t, now.Add(-2*time.Hour), time.Hour, "user-123", testIssuer)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	token := mintSessionToken(t, now, time.Hour, "user-123", "someone-else")

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidIssuer) {
		t.Fatalf("expected ErrInvalidIssuer, got %v", err)
	}
}

func TestValidateTokenRejectsEmptySubject(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	token := mintSessionToken(t, now, time.Hour, "", testIssuer)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty subject, got %v", err)
	}
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-key"))
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}
}

func TestValidateTokenRejectsEmptyString(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t, time.Unix(1700000000, 0).UTC())
	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestValidateRequestPrefersAuthorizationHeader(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	headerToken := mintSessionToken(t, now, time.Hour, "header-user", testIssuer)
	cookieToken := mintSessionToken(t, now, time.Hour, "cookie-user", testIssuer)

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer "+headerToken)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: cookieToken})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.GetUserID() != "header-user" {
		t.Fatalf("expected header token to win, got %q", claims.GetUserID())
	}
}

func TestValidateRequestFallsBackToCookie(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	cookieToken := mintSessionToken(t, now, time.Hour, "cookie-user", testIssuer)

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: cookieToken})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.GetUserID() != "cookie-user" {
		t.Fatalf("expected cookie token accepted, got %q", claims.GetUserID())
	}
}

func TestValidateRequestMissingToken(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t, time.Unix(1700000000, 0).UTC())
	request := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now)
	token := mintSessionToken(t, now, time.Hour, "user-123", testIssuer)

	router := gin.New()
	router.Use(validator.GinMiddleware(DefaultContextKey))
	router.GET("/whoami", func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(DefaultContextKey)
		if !found {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		claims := claimsValue.(*Claims)
		contextGin.String(http.StatusOK, claims.GetUserID())
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder.Body.String() != "user-123" {
		t.Fatalf("expected subject echoed, got %q", recorder.Body.String())
	}
}

func TestGinMiddlewareRejectsInvalidToken(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	validator := newTestValidator(t, time.Unix(1700000000, 0).UTC())
	router := gin.New()
	router.Use(validator.GinMiddleware(""))
	router.GET("/whoami", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	request.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
