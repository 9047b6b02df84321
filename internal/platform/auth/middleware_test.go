package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key-32-bytes-long!!")

func signToken(t *testing.T, claims *Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotUser string
	handler := mw(func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, gotUser
}

func TestJWTMiddleware(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{Issuer: "medvoice", SigningKey: testKey})

	t.Run("valid token attributes the actor", func(t *testing.T) {
		token := signToken(t, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "clinician-7",
				Issuer:    "medvoice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			SessionID: "sess-1",
		}, testKey)

		rec, user := doRequest(t, mw, "Bearer "+token)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if user != "clinician-7" {
			t.Errorf("actor = %q, want clinician-7", user)
		}
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		rec, _ := doRequest(t, mw, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("malformed header is rejected", func(t *testing.T) {
		rec, _ := doRequest(t, mw, "Token abc")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong signing key is rejected", func(t *testing.T) {
		token := signToken(t, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "clinician-7",
				Issuer:    "medvoice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, []byte("another-signing-key-32-bytes!!!!"))

		rec, _ := doRequest(t, mw, "Bearer "+token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token := signToken(t, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "clinician-7",
				Issuer:    "medvoice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}, testKey)

		rec, _ := doRequest(t, mw, "Bearer "+token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong issuer is rejected", func(t *testing.T) {
		token := signToken(t, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "clinician-7",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, testKey)

		rec, _ := doRequest(t, mw, "Bearer "+token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestDevAuthMiddleware(t *testing.T) {
	rec, user := doRequest(t, DevAuthMiddleware(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if user != "dev-user" {
		t.Errorf("actor = %q, want dev-user", user)
	}
}
