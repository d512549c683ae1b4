package deck

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"insights-gateway/internal/remote"
	"insights-gateway/internal/shared/server/middleware"
	"insights-gateway/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the deck workflow service.
type Handler struct {
	Svc     *Service
	limiter *pollLimiter
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{
		Svc:     svc,
		limiter: newPollLimiter(pollLimitWindow, nil),
	}
}

// RegisterRoutes attaches deck routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/deck/assets", h.selectAssets)
	rg.PUT("/deck/crop", h.configure)
	rg.POST("/deck/analyze", h.startAnalysis)
	rg.GET("/deck/status", h.status)
	rg.POST("/deck/cancel", h.cancel)
	rg.POST("/deck/reset", h.reset)
	rg.POST("/deck/edit", h.beginEdit)
	rg.PATCH("/deck/edit/summary", h.updateSummary)
	rg.PATCH("/deck/edit/insights/:index", h.updateInsight)
	rg.POST("/deck/edit/commit", h.commitEdit)
	rg.POST("/deck/edit/discard", h.discardEdit)
	rg.GET("/deck/report", h.downloadReport)
}

func (h *Handler) selectAssets(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	form, err := c.MultipartForm()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "multipart form with files is required", nil)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "at least one file is required", nil)
		return
	}

	uploads := make([]AssetUpload, 0, len(files))
	opened := make([]interface{ Close() error }, 0, len(files))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "could not read uploaded file "+fh.Filename, nil)
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, AssetUpload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        f,
		})
	}

	job, err := h.Svc.SelectAssets(c.Request.Context(), sessionID, uploads)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

type cropRequest struct {
	Rows    int  `json:"rows"`
	Cols    int  `json:"cols"`
	Enabled bool `json:"enabled"`
}

func (h *Handler) configure(c *gin.Context) {
	var req cropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.Configure(c.Request.Context(), sessionID, Crop{
		Rows:    req.Rows,
		Cols:    req.Cols,
		Enabled: req.Enabled,
	})
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) startAnalysis(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	job, err := h.Svc.StartAnalysis(ctx, sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	c.Set("jobStatus", job.Status)
	c.Set("statusTransition", StatusIdle+"->"+job.Status)
	respond.JSON(c, http.StatusAccepted, job)
}

func (h *Handler) status(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	if !h.limiter.Allow(sessionID) {
		c.Header("Retry-After", strconv.Itoa(h.limiter.RetryAfterSeconds()))
		respond.Error(c, http.StatusTooManyRequests, "rate_limited", "polling too frequently", nil)
		return
	}
	job, err := h.Svc.Status(sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) cancel(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.Cancel(c.Request.Context(), sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) reset(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.Reset(c.Request.Context(), sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) beginEdit(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.BeginEdit(c.Request.Context(), sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

type summaryRequest struct {
	Trend          string `json:"trend"`
	Recommendation string `json:"recommendation"`
}

func (h *Handler) updateSummary(c *gin.Context) {
	var req summaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.UpdateSummary(c.Request.Context(), sessionID, Summary{
		Trend:          req.Trend,
		Recommendation: req.Recommendation,
	})
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

type insightRequest struct {
	Title          string `json:"title"`
	Trend          string `json:"trend"`
	Recommendation string `json:"recommendation"`
}

func (h *Handler) updateInsight(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "insight index must be a number", nil)
		return
	}
	var req insightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.UpdateInsight(c.Request.Context(), sessionID, index, Insight{
		Title:          req.Title,
		Trend:          req.Trend,
		Recommendation: req.Recommendation,
	})
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) commitEdit(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.CommitEdit(c.Request.Context(), sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) discardEdit(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	job, err := h.Svc.DiscardEdit(c.Request.Context(), sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	h.writeJob(c, job)
}

func (h *Handler) downloadReport(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	body, contentType, filename, err := h.Svc.DownloadReport(c.Request.Context(), sessionID)
	if err != nil {
		h.respondDeckError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, body)
}

func (h *Handler) writeJob(c *gin.Context, job Job) {
	c.Set("jobStatus", job.Status)
	respond.OK(c, job)
}

func (h *Handler) respondDeckError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobRunning):
		respond.Error(c, http.StatusConflict, "job_running", "an analysis is already running for this session", nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "no deck workflow for this session", nil)
	case IsValidation(err):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case remote.IsCancelled(err):
		// Client went away; 499 keeps the request log honest.
		c.AbortWithStatus(499)
	default:
		var ce *remote.CallError
		if errors.As(err, &ce) {
			respond.Error(c, http.StatusBadGateway, "upstream_error", "the analysis service is unavailable", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to process request", nil)
	}
}
