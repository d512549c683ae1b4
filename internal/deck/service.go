package deck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"insights-gateway/internal/remote"
	"insights-gateway/internal/remote/analysis"
	"insights-gateway/internal/shared/metrics"
	"insights-gateway/internal/shared/storage/object"
	"insights-gateway/internal/shared/telemetry"
	"insights-gateway/internal/shared/util"
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// AnalysisService is the slice of the analysis client the workflow needs.
type AnalysisService interface {
	UploadAssets(ctx context.Context, assets []analysis.Asset) (*analysis.UploadResult, error)
	ConfigureTransform(ctx context.Context, cfg analysis.CropSettings) error
	RunAnalysis(ctx context.Context) (*analysis.Result, error)
	FetchReport(ctx context.Context, edited *analysis.Result) ([]byte, string, error)
}

// Service owns the deck analysis workflow: stage assets, run the
// upload/configure/analyze pipeline asynchronously, and manage result edits.
type Service struct {
	Jobs     *JobStore
	Analysis AnalysisService
	Store    object.ObjectStore

	now func() time.Time
}

// NewService constructs a Service.
func NewService(jobs *JobStore, as AnalysisService, store object.ObjectStore) *Service {
	return &Service{
		Jobs:     jobs,
		Analysis: as,
		Store:    store,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AssetUpload is an incoming chart image before staging.
type AssetUpload struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// SelectAssets stages a new batch of chart images, replacing any previous
// selection. Only PNG and JPEG files are accepted.
func (s *Service) SelectAssets(ctx context.Context, sessionID string, uploads []AssetUpload) (Job, error) {
	if len(uploads) == 0 {
		return Job{}, fmt.Errorf("%w: at least one file is required", errValidation)
	}
	for _, u := range uploads {
		ext := strings.ToLower(filepath.Ext(u.Name))
		if !allowedExtensions[ext] {
			return Job{}, fmt.Errorf("%w: invalid file type: %s", errValidation, u.Name)
		}
	}
	if job, ok := s.Jobs.Snapshot(sessionID); ok && job.Running() {
		return job, ErrJobRunning
	}

	assets := make([]Asset, 0, len(uploads))
	for _, u := range uploads {
		key, size, mime, err := s.Store.Save(ctx, sessionID, u.Name, u.Data)
		if err != nil {
			return Job{}, fmt.Errorf("stage asset %s: %w", u.Name, err)
		}
		assets = append(assets, Asset{
			Name:       u.Name,
			StorageKey: key,
			SizeBytes:  size,
			MimeType:   mime,
		})
	}

	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Running() {
			return ErrJobRunning
		}
		job.Status = StatusIdle
		job.Assets = assets
		job.Result = nil
		job.Edit = nil
		job.Edited = false
		job.Error = ""
		job.StartedAt = nil
		job.CompletedAt = nil
		return nil
	})
}

// Configure updates crop settings for the next run.
func (s *Service) Configure(ctx context.Context, sessionID string, crop Crop) (Job, error) {
	if crop.Rows < 1 || crop.Cols < 1 {
		return Job{}, fmt.Errorf("%w: crop rows and cols must be at least 1", errValidation)
	}
	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Running() {
			return ErrJobRunning
		}
		job.Crop = crop
		return nil
	})
}

// StartAnalysis kicks off the staged pipeline asynchronously. One run per
// session at a time.
func (s *Service) StartAnalysis(ctx context.Context, sessionID string) (Job, error) {
	job, err := s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Running() {
			return ErrJobRunning
		}
		if len(job.Assets) == 0 {
			return ErrNoAssets
		}
		now := s.now()
		job.Status = StatusUploading
		job.Result = nil
		job.Edit = nil
		job.Edited = false
		job.Error = ""
		job.StartedAt = &now
		job.CompletedAt = nil
		return nil
	})
	if err != nil {
		return job, err
	}

	runCtx, cancel := context.WithCancel(backgroundWithRequestID(ctx))
	s.Jobs.SetCancel(sessionID, cancel)
	metrics.IncDeckJobStarted()
	s.logTransition(runCtx, sessionID, StatusIdle, StatusUploading)

	go s.runAsync(runCtx, sessionID)
	return job, nil
}

// Status returns the current workflow state.
func (s *Service) Status(sessionID string) (Job, error) {
	job, ok := s.Jobs.Snapshot(sessionID)
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// Cancel stops an in-flight run. Cancelling a finished or idle job changes
// nothing.
func (s *Service) Cancel(ctx context.Context, sessionID string) (Job, error) {
	job, ok := s.Jobs.Snapshot(sessionID)
	if !ok {
		return Job{}, ErrNotFound
	}
	if cancel := s.Jobs.TakeCancel(sessionID); cancel != nil {
		cancel()
	}
	return job, nil
}

// Reset cancels any in-flight run and returns the session to a blank
// workflow: no assets, default crop, no result.
func (s *Service) Reset(ctx context.Context, sessionID string) (Job, error) {
	if cancel := s.Jobs.TakeCancel(sessionID); cancel != nil {
		cancel()
	}
	s.Jobs.Delete(sessionID)
	return s.Jobs.Mutate(sessionID, func(job *Job) error { return nil })
}

// BeginEdit opens edit mode on a deep copy of the result. The committed
// result stays untouched until CommitEdit.
func (s *Service) BeginEdit(ctx context.Context, sessionID string) (Job, error) {
	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Running() {
			return ErrJobRunning
		}
		if job.Result == nil {
			return ErrNoResult
		}
		job.Edit = job.Result.Clone()
		return nil
	})
}

// UpdateSummary rewrites the executive summary on the editing copy.
func (s *Service) UpdateSummary(ctx context.Context, sessionID string, summary Summary) (Job, error) {
	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Edit == nil {
			return ErrNotEditing
		}
		job.Edit.ExecutiveSummary = summary
		return nil
	})
}

// UpdateInsight rewrites one insight on the editing copy. The filename and
// image reference stay fixed since they identify the chart.
func (s *Service) UpdateInsight(ctx context.Context, sessionID string, index int, insight Insight) (Job, error) {
	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Edit == nil {
			return ErrNotEditing
		}
		if index < 0 || index >= len(job.Edit.GraphInsights) {
			return fmt.Errorf("%w: insight index %d out of range", errValidation, index)
		}
		current := &job.Edit.GraphInsights[index]
		current.Title = insight.Title
		current.Trend = insight.Trend
		current.Recommendation = insight.Recommendation
		return nil
	})
}

// CommitEdit promotes the editing copy to the committed result.
func (s *Service) CommitEdit(ctx context.Context, sessionID string) (Job, error) {
	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Edit == nil {
			return ErrNotEditing
		}
		job.Result = job.Edit
		job.Edit = nil
		job.Edited = true
		return nil
	})
}

// DiscardEdit drops the editing copy, leaving the committed result as it was.
func (s *Service) DiscardEdit(ctx context.Context, sessionID string) (Job, error) {
	return s.Jobs.Mutate(sessionID, func(job *Job) error {
		if job.Edit == nil {
			return ErrNotEditing
		}
		job.Edit = nil
		return nil
	})
}

// DownloadReport fetches the slide deck for the committed result. Edits made
// after analysis are forwarded so the deck reflects them; an open edit mode
// does not leak uncommitted changes.
func (s *Service) DownloadReport(ctx context.Context, sessionID string) ([]byte, string, string, error) {
	job, ok := s.Jobs.Snapshot(sessionID)
	if !ok {
		return nil, "", "", ErrNotFound
	}
	if job.Result == nil {
		return nil, "", "", ErrNoResult
	}

	// An open editing copy wins over the stored result; after a commit the
	// stored result itself carries the edits.
	var edited *analysis.Result
	switch {
	case job.Edit != nil:
		edited = toRemoteResult(job.Edit)
	case job.Edited:
		edited = toRemoteResult(job.Result)
	}
	body, contentType, err := s.Analysis.FetchReport(ctx, edited)
	if err != nil {
		return nil, "", "", err
	}
	if contentType == "" {
		contentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	}
	filename := fmt.Sprintf("Insights_Report_%s.pptx", s.now().Format("2006-01-02"))

	cacheKey := path.Join(util.HashSessionKey(sessionID), "reports", filename)
	if _, err := s.Store.SaveWithKey(ctx, cacheKey, contentType, bytes.NewReader(body)); err != nil {
		telemetry.Error("deck.report_cache", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return body, contentType, filename, nil
}

func (s *Service) runAsync(ctx context.Context, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			s.finishFailed(ctx, sessionID, fmt.Errorf("panic: %v", r))
		}
	}()

	job, ok := s.Jobs.Snapshot(sessionID)
	if !ok {
		return
	}

	remoteAssets := make([]analysis.Asset, 0, len(job.Assets))
	readers := make([]io.ReadCloser, 0, len(job.Assets))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, a := range job.Assets {
		rc, err := s.Store.Open(ctx, a.StorageKey)
		if err != nil {
			s.finishFailed(ctx, sessionID, fmt.Errorf("open staged asset %s: %w", a.Name, err))
			return
		}
		readers = append(readers, rc)
		remoteAssets = append(remoteAssets, analysis.Asset{
			Name:        a.Name,
			ContentType: a.MimeType,
			Data:        rc,
		})
	}

	if _, err := s.Analysis.UploadAssets(ctx, remoteAssets); err != nil {
		s.finishFailed(ctx, sessionID, err)
		return
	}
	if err := ctx.Err(); err != nil {
		s.finishCancelled(ctx, sessionID)
		return
	}

	s.setStage(ctx, sessionID, StatusUploading, StatusConfiguring)
	if err := s.Analysis.ConfigureTransform(ctx, analysis.CropSettings{
		Rows:    job.Crop.Rows,
		Cols:    job.Crop.Cols,
		Enabled: job.Crop.Enabled,
	}); err != nil {
		s.finishFailed(ctx, sessionID, err)
		return
	}
	if err := ctx.Err(); err != nil {
		s.finishCancelled(ctx, sessionID)
		return
	}

	s.setStage(ctx, sessionID, StatusConfiguring, StatusAnalyzing)
	result, err := s.Analysis.RunAnalysis(ctx)
	if err != nil {
		s.finishFailed(ctx, sessionID, err)
		return
	}
	if err := ctx.Err(); err != nil {
		s.finishCancelled(ctx, sessionID)
		return
	}

	s.finishComplete(ctx, sessionID, fromRemoteResult(result))
}

func (s *Service) setStage(ctx context.Context, sessionID, from, to string) {
	_, _ = s.Jobs.Mutate(sessionID, func(job *Job) error {
		job.Status = to
		return nil
	})
	s.logTransition(ctx, sessionID, from, to)
}

func (s *Service) finishComplete(ctx context.Context, sessionID string, result *Result) {
	now := s.now()
	job, _ := s.Jobs.Mutate(sessionID, func(job *Job) error {
		job.Status = StatusComplete
		job.Result = result
		job.CompletedAt = &now
		return nil
	})
	if cancel := s.Jobs.TakeCancel(sessionID); cancel != nil {
		cancel()
	}
	metrics.IncDeckJobCompleted()
	metrics.ObserveDeckJobDurationMs(jobDurationMs(job, now))
	s.logTransition(ctx, sessionID, StatusAnalyzing, StatusComplete)
}

func (s *Service) finishCancelled(ctx context.Context, sessionID string) {
	now := s.now()
	prev := StatusUploading
	_, _ = s.Jobs.Mutate(sessionID, func(job *Job) error {
		prev = job.Status
		job.Status = StatusCancelled
		job.CompletedAt = &now
		return nil
	})
	if cancel := s.Jobs.TakeCancel(sessionID); cancel != nil {
		cancel()
	}
	metrics.IncDeckJobCancelled()
	s.logTransition(ctx, sessionID, prev, StatusCancelled)
}

func (s *Service) finishFailed(ctx context.Context, sessionID string, err error) {
	if remote.IsCancelled(err) || ctx.Err() != nil {
		s.finishCancelled(ctx, sessionID)
		return
	}
	now := s.now()
	prev := StatusUploading
	_, _ = s.Jobs.Mutate(sessionID, func(job *Job) error {
		prev = job.Status
		job.Status = StatusFailed
		job.Error = userFacingError(err)
		job.CompletedAt = &now
		return nil
	})
	if cancel := s.Jobs.TakeCancel(sessionID); cancel != nil {
		cancel()
	}
	metrics.IncDeckJobFailed()
	telemetry.Error("deck.job_failed", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": sessionID,
		"from":       prev,
		"error":      err.Error(),
	})
}

func (s *Service) logTransition(ctx context.Context, sessionID, from, to string) {
	telemetry.Info("deck.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"session_id":        sessionID,
		"status":            to,
		"status_transition": from + "->" + to,
	})
}

func jobDurationMs(job Job, completed time.Time) float64 {
	if job.StartedAt == nil {
		return 0
	}
	return float64(completed.Sub(*job.StartedAt)) / float64(time.Millisecond)
}

func fromRemoteResult(r *analysis.Result) *Result {
	if r == nil {
		return nil
	}
	out := &Result{
		ExecutiveSummary: Summary{
			Trend:          r.ExecutiveSummary.Trend,
			Recommendation: r.ExecutiveSummary.Recommendation,
		},
	}
	for _, in := range r.GraphInsights {
		out.GraphInsights = append(out.GraphInsights, Insight{
			Filename:       in.Filename,
			ImageURL:       in.ImageURL,
			Title:          in.Title,
			Trend:          in.Trend,
			Recommendation: in.Recommendation,
		})
	}
	return out
}

func toRemoteResult(r *Result) *analysis.Result {
	if r == nil {
		return nil
	}
	out := &analysis.Result{
		ExecutiveSummary: analysis.Summary{
			Trend:          r.ExecutiveSummary.Trend,
			Recommendation: r.ExecutiveSummary.Recommendation,
		},
	}
	for _, in := range r.GraphInsights {
		out.GraphInsights = append(out.GraphInsights, analysis.Insight{
			Filename:       in.Filename,
			ImageURL:       in.ImageURL,
			Title:          in.Title,
			Trend:          in.Trend,
			Recommendation: in.Recommendation,
		})
	}
	return out
}

var errValidation = errors.New("validation")

// IsValidation reports whether err is a bad-request failure.
func IsValidation(err error) bool {
	return errors.Is(err, errValidation) ||
		errors.Is(err, ErrNoAssets) ||
		errors.Is(err, ErrNoResult) ||
		errors.Is(err, ErrNotEditing)
}

func userFacingError(err error) string {
	var ce *remote.CallError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case remote.KindNetwork:
			return "The analysis service could not be reached. Please try again."
		case remote.KindBackend:
			return "The analysis service could not process the uploaded charts."
		}
	}
	return "The analysis failed. Please try again."
}
