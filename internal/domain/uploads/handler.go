package uploads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medvoice/medvoice/internal/platform/auth"
)

// Handler exposes the upload pipeline over HTTP.
type Handler struct {
	svc  *Service
	ping func(ctx context.Context) error
}

// NewHandler creates the Handler. ping reports storage health for /health
// and may be nil.
func NewHandler(svc *Service, ping func(ctx context.Context) error) *Handler {
	return &Handler{svc: svc, ping: ping}
}

// RegisterRoutes mounts the upload endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/register-upload-fhir", h.RegisterUploadFHIR)
	g.POST("/get-upload-url", h.GetUploadURL)
	g.GET("/get-file-metadata", h.GetFileMetadata)
	g.GET("/get-pending-analyses", h.GetPendingAnalyses)
	g.POST("/update-analysis", h.UpdateAnalysis)
}

// RegisterHealth mounts the unauthenticated health endpoint.
func (h *Handler) RegisterHealth(e *echo.Echo) {
	e.GET("/health", h.Health)
}

func actor(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return uid
	}
	return "anonymous"
}

// RegisterUploadFHIR runs the full registration pipeline for an uploaded
// audio file and returns the assembled bundle identifiers.
func (h *Handler) RegisterUploadFHIR(c echo.Context) error {
	var meta UploadMetadata
	if err := c.Bind(&meta); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false, "error": "invalid request body",
		})
	}

	result, err := h.svc.RegisterUpload(c.Request().Context(), actor(c), &meta)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"success": false, "error": vErr.Error(),
			})
		}
		var pErr *PipelineError
		if errors.As(err, &pErr) && errors.As(pErr.Err, &vErr) {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"success": false, "error": vErr.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"success": false, "error": "upload registration failed",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"message":      "Upload registered successfully",
		"record_id":    result.RecordID,
		"bundle_id":    result.BundleID,
		"media_id":     result.MediaID,
		"document_id":  result.DocumentRefID,
		"read_url":     result.ReadURL,
		"phi_detected": result.PHIDetected,
		"risk_level":   result.RiskLevel,
	})
}

// GetUploadURL mints a signed PUT URL for a pending upload.
func (h *Handler) GetUploadURL(c echo.Context) error {
	var req struct {
		FileName    string `json:"file_name"`
		ContentType string `json:"content_type"`
		Expiration  int    `json:"expiration"`
	}
	if err := c.Bind(&req); err != nil || req.FileName == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false, "error": "file_name is required",
		})
	}
	if req.ContentType == "" {
		req.ContentType = "audio/wav"
	}
	if req.Expiration <= 0 {
		req.Expiration = 3600
	}

	url, err := h.svc.IssueUploadURL(c.Request().Context(), actor(c),
		req.FileName, req.ContentType, time.Duration(req.Expiration)*time.Second)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"success": false, "error": "failed to generate upload url",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"upload_url": url,
		"file_name":  req.FileName,
		"instructions": echo.Map{
			"method":  "PUT",
			"headers": echo.Map{"Content-Type": req.ContentType},
			"curl_example": fmt.Sprintf(
				`curl -X PUT -H "Content-Type: %s" --upload-file ./your-file.wav "%s"`,
				req.ContentType, url),
		},
		"expiration_seconds": req.Expiration,
	})
}

// GetFileMetadata returns the stored record for one file.
func (h *Handler) GetFileMetadata(c echo.Context) error {
	fileName := c.QueryParam("file_name")
	if fileName == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false, "error": "file_name parameter is required",
		})
	}

	rec, err := h.svc.GetRecord(c.Request().Context(), actor(c), fileName)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{
			"success": false, "error": "File not found",
		})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"success": false, "error": "failed to retrieve metadata",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"metadata": rec,
	})
}

// GetPendingAnalyses lists records still awaiting analysis.
func (h *Handler) GetPendingAnalyses(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	recs, err := h.svc.ListPending(c.Request().Context(), actor(c), limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"success": false, "error": "failed to retrieve pending analyses",
		})
	}
	if recs == nil {
		recs = []*AudioRecord{}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"pending_files": recs,
	})
}

// UpdateAnalysis records the outcome of downstream audio analysis.
func (h *Handler) UpdateAnalysis(c echo.Context) error {
	var req struct {
		FileName string  `json:"file_name"`
		Status   string  `json:"status"`
		Result   *string `json:"result"`
	}
	if err := c.Bind(&req); err != nil || req.FileName == "" || req.Status == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false, "error": "file_name and status are required",
		})
	}

	err := h.svc.UpdateAnalysisStatus(c.Request().Context(), actor(c), req.FileName, req.Status, req.Result)
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false, "error": vErr.Error(),
		})
	}
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{
			"success": false, "error": "File not found",
		})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"success": false, "error": "failed to update analysis status",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Analysis status updated successfully",
	})
}

// Health reports liveness and storage connectivity.
func (h *Handler) Health(c echo.Context) error {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":  "healthy",
		"storage": "connected",
	})
}
