package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// suspiciousPatterns is the fixed set of malicious-content markers checked
// against every inspectable field. Matching is case-insensitive and the
// first match short-circuits.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script.*?>`),   // XSS attempts
	regexp.MustCompile(`(?i)union.*select`), // SQL injection
	regexp.MustCompile(`\.\./`),             // path traversal
	regexp.MustCompile(`(?i)<.*?>`),         // raw markup tags
	regexp.MustCompile(`(?i)javascript:`),   // JavaScript protocol
	regexp.MustCompile(`(?i)vbscript:`),     // VBScript protocol
}

// allowedAudioExtensions is the attachment allow-list for upload endpoints.
var allowedAudioExtensions = map[string]bool{
	".mp3": true,
	".wav": true,
	".ogg": true,
	".m4a": true,
}

// ContainsMaliciousPattern reports whether content matches any of the fixed
// suspicious patterns.
func ContainsMaliciousPattern(content string) bool {
	for _, p := range suspiciousPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// AllowedAudioFile reports whether fileName carries an extension from the
// audio upload allow-list.
func AllowedAudioFile(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return allowedAudioExtensions[ext]
}

// InspectContent returns middleware that validates request content before any
// handler executes. It checks every queryable string field (URL parameters,
// decoded JSON body values, and form fields) against the suspicious pattern
// set, and enforces healthcare-specific request rules:
//
//   - mutating requests under /fhir require a JSON content type
//   - upload endpoints accept only the audio extension allow-list
//
// A match rejects the request with 400 and a stable machine-readable reason.
// The request body is restored so downstream handlers can still bind it.
func InspectContent(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			// URL parameters
			for key, values := range req.URL.Query() {
				for _, v := range values {
					if ContainsMaliciousPattern(v) || ContainsMaliciousPattern(key) {
						logger.Warn().
							Str("param", key).
							Str("remote_ip", c.RealIP()).
							Str("path", req.URL.Path).
							Msg("malicious pattern in URL parameter")
						return rejectContent(c)
					}
				}
			}

			// JSON body
			if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) && req.Body != nil {
				body, err := io.ReadAll(req.Body)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
				}
				req.Body = io.NopCloser(bytes.NewReader(body))

				if len(body) > 0 {
					var payload interface{}
					if err := json.Unmarshal(body, &payload); err != nil {
						return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
					}
					if jsonContainsMalicious(payload) {
						logger.Warn().
							Str("remote_ip", c.RealIP()).
							Str("path", req.URL.Path).
							Msg("malicious pattern in JSON body")
						return rejectContent(c)
					}
				}
			}

			// Form fields
			if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm) {
				form, err := c.FormParams()
				if err == nil {
					for key, values := range form {
						for _, v := range values {
							if ContainsMaliciousPattern(v) || ContainsMaliciousPattern(key) {
								logger.Warn().
									Str("field", key).
									Str("remote_ip", c.RealIP()).
									Msg("malicious pattern in form field")
								return rejectContent(c)
							}
						}
					}
				}
			}

			if err := validateHealthcareRequest(c); err != nil {
				return err
			}

			return next(c)
		}
	}
}

// jsonContainsMalicious walks a decoded JSON value and checks every string
// leaf and object key.
func jsonContainsMalicious(v interface{}) bool {
	switch val := v.(type) {
	case string:
		return ContainsMaliciousPattern(val)
	case map[string]interface{}:
		for k, item := range val {
			if ContainsMaliciousPattern(k) || jsonContainsMalicious(item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if jsonContainsMalicious(item) {
				return true
			}
		}
	}
	return false
}

// validateHealthcareRequest enforces endpoint-namespace rules: structured
// FHIR endpoints need a machine-readable content type on mutating requests,
// and upload endpoints restrict attachment extensions.
func validateHealthcareRequest(c echo.Context) error {
	req := c.Request()
	path := req.URL.Path

	if strings.HasPrefix(path, "/fhir/") {
		switch req.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := req.Header.Get(echo.HeaderContentType)
			if !strings.HasPrefix(ct, echo.MIMEApplicationJSON) && !strings.HasPrefix(ct, "application/fhir+json") {
				return echo.NewHTTPError(http.StatusBadRequest, "FHIR endpoints require a JSON content type")
			}
		}
	}

	if strings.HasPrefix(path, "/upload") || strings.Contains(path, "upload-url") {
		fileName := c.QueryParam("file_name")
		if fileName == "" {
			fileName = c.FormValue("file_name")
		}
		if fileName != "" && !AllowedAudioFile(fileName) {
			return echo.NewHTTPError(http.StatusBadRequest, "file type not allowed: audio uploads accept .mp3, .wav, .ogg, .m4a")
		}
	}

	return nil
}

func rejectContent(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": "malicious content detected",
	})
}
