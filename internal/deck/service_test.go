package deck

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"insights-gateway/internal/remote"
	"insights-gateway/internal/remote/analysis"
	"insights-gateway/internal/shared/storage/object/local"
)

type fakeAnalysis struct {
	mu sync.Mutex

	uploadFn    func(ctx context.Context, assets []analysis.Asset) (*analysis.UploadResult, error)
	configureFn func(ctx context.Context, cfg analysis.CropSettings) error
	analyzeFn   func(ctx context.Context) (*analysis.Result, error)
	reportFn    func(ctx context.Context, edited *analysis.Result) ([]byte, string, error)

	uploadedNames []string
	configured    []analysis.CropSettings
	reportEdited  []*analysis.Result
}

func (f *fakeAnalysis) UploadAssets(ctx context.Context, assets []analysis.Asset) (*analysis.UploadResult, error) {
	f.mu.Lock()
	for _, a := range assets {
		f.uploadedNames = append(f.uploadedNames, a.Name)
	}
	f.mu.Unlock()
	if f.uploadFn != nil {
		return f.uploadFn(ctx, assets)
	}
	return &analysis.UploadResult{Message: "ok"}, nil
}

func (f *fakeAnalysis) ConfigureTransform(ctx context.Context, cfg analysis.CropSettings) error {
	f.mu.Lock()
	f.configured = append(f.configured, cfg)
	f.mu.Unlock()
	if f.configureFn != nil {
		return f.configureFn(ctx, cfg)
	}
	return nil
}

func (f *fakeAnalysis) RunAnalysis(ctx context.Context) (*analysis.Result, error) {
	if f.analyzeFn != nil {
		return f.analyzeFn(ctx)
	}
	return &analysis.Result{
		ExecutiveSummary: analysis.Summary{Trend: "exposure rising", Recommendation: "review limits"},
		GraphInsights: []analysis.Insight{
			{Filename: "q1.png", ImageURL: "/images/q1.png", Title: "MPE by desk", Trend: "up", Recommendation: "hedge"},
			{Filename: "q2.png", Title: "Exposure by region", Trend: "flat", Recommendation: "hold"},
			{Filename: "q3.png", Title: "Limit usage", Trend: "down", Recommendation: "release"},
		},
	}, nil
}

func (f *fakeAnalysis) FetchReport(ctx context.Context, edited *analysis.Result) ([]byte, string, error) {
	f.mu.Lock()
	f.reportEdited = append(f.reportEdited, edited)
	f.mu.Unlock()
	if f.reportFn != nil {
		return f.reportFn(ctx, edited)
	}
	return []byte("PK.."), "application/octet-stream", nil
}

func newTestService(t *testing.T, fa *fakeAnalysis) *Service {
	t.Helper()
	store := local.New(t.TempDir())
	return NewService(NewJobStore(), fa, store)
}

func stageAssets(t *testing.T, svc *Service, sessionID string, names ...string) {
	t.Helper()
	uploads := make([]AssetUpload, 0, len(names))
	for _, name := range names {
		uploads = append(uploads, AssetUpload{
			Name:        name,
			ContentType: "image/png",
			Data:        strings.NewReader("png-bytes-" + name),
		})
	}
	if _, err := svc.SelectAssets(context.Background(), sessionID, uploads); err != nil {
		t.Fatalf("SelectAssets: %v", err)
	}
}

func waitForStatus(t *testing.T, svc *Service, sessionID, want string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Status(sessionID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := svc.Status(sessionID)
	t.Fatalf("timed out waiting for status %q, last %q (error %q)", want, job.Status, job.Error)
	return Job{}
}

func TestRunPipelineCompletes(t *testing.T) {
	fa := &fakeAnalysis{}
	svc := newTestService(t, fa)
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png", "q2.png", "q3.png")
	if _, err := svc.Configure(ctx, "session-1", Crop{Rows: 2, Cols: 3, Enabled: true}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	job, err := svc.StartAnalysis(ctx, "session-1")
	if err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	if job.Status != StatusUploading {
		t.Fatalf("expected uploading, got %q", job.Status)
	}

	job = waitForStatus(t, svc, "session-1", StatusComplete)
	if job.Result == nil || len(job.Result.GraphInsights) != 3 {
		t.Fatalf("unexpected result: %+v", job.Result)
	}
	if job.Result.ExecutiveSummary.Trend != "exposure rising" {
		t.Fatalf("unexpected summary: %+v", job.Result.ExecutiveSummary)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.uploadedNames) != 3 {
		t.Fatalf("expected 3 uploads, got %v", fa.uploadedNames)
	}
	if len(fa.configured) != 1 || !fa.configured[0].Enabled || fa.configured[0].Rows != 2 || fa.configured[0].Cols != 3 {
		t.Fatalf("unexpected configure call: %+v", fa.configured)
	}
}

func TestCropSettingsSentEvenWhenDisabled(t *testing.T) {
	fa := &fakeAnalysis{}
	svc := newTestService(t, fa)

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(context.Background(), "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.configured) != 1 {
		t.Fatalf("expected configure call, got %d", len(fa.configured))
	}
	if fa.configured[0].Enabled || fa.configured[0].Rows != DefaultCropRows || fa.configured[0].Cols != DefaultCropCols {
		t.Fatalf("expected default settings forwarded, got %+v", fa.configured[0])
	}
}

func TestCancelDuringConfigureLandsOnCancelled(t *testing.T) {
	entered := make(chan struct{})
	var analyzed atomic.Bool
	fa := &fakeAnalysis{
		configureFn: func(ctx context.Context, cfg analysis.CropSettings) error {
			close(entered)
			<-ctx.Done()
			return remote.Classify("analysis-service", "configure-cropping", ctx.Err())
		},
		analyzeFn: func(ctx context.Context) (*analysis.Result, error) {
			analyzed.Store(true)
			return nil, ctx.Err()
		},
	}
	svc := newTestService(t, fa)
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}

	<-entered
	if _, err := svc.Cancel(ctx, "session-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	job := waitForStatus(t, svc, "session-1", StatusCancelled)
	if job.Error != "" {
		t.Fatalf("cancelled job must not carry an error, got %q", job.Error)
	}
	if job.Result != nil {
		t.Fatalf("cancelled job must not carry a result")
	}
	if analyzed.Load() {
		t.Fatalf("analyze must not run after cancellation during configure")
	}
}

func TestBackendFailureLandsOnFailed(t *testing.T) {
	fa := &fakeAnalysis{
		analyzeFn: func(ctx context.Context) (*analysis.Result, error) {
			return nil, &remote.CallError{Kind: remote.KindBackend, Service: "analysis-service", Op: "analyze", StatusCode: 500}
		},
	}
	svc := newTestService(t, fa)

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(context.Background(), "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	job := waitForStatus(t, svc, "session-1", StatusFailed)
	if job.Error == "" {
		t.Fatalf("expected user-facing error on failed job")
	}
}

func TestSelectAssetsRejectsUnsupportedTypes(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	_, err := svc.SelectAssets(context.Background(), "session-1", []AssetUpload{
		{Name: "notes.pdf", ContentType: "application/pdf", Data: strings.NewReader("x")},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "notes.pdf") {
		t.Fatalf("expected offending file named, got %v", err)
	}
}

func TestStartAnalysisRequiresAssets(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	if _, err := svc.StartAnalysis(context.Background(), "session-1"); !errors.Is(err, ErrNoAssets) {
		t.Fatalf("expected ErrNoAssets, got %v", err)
	}
}

func TestStartAnalysisRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	fa := &fakeAnalysis{
		uploadFn: func(ctx context.Context, assets []analysis.Asset) (*analysis.UploadResult, error) {
			<-release
			return &analysis.UploadResult{}, nil
		},
	}
	svc := newTestService(t, fa)
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	if _, err := svc.StartAnalysis(ctx, "session-1"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	if _, err := svc.SelectAssets(ctx, "session-1", []AssetUpload{
		{Name: "new.png", ContentType: "image/png", Data: strings.NewReader("x")},
	}); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning for asset swap, got %v", err)
	}
	close(release)
	waitForStatus(t, svc, "session-1", StatusComplete)
}

func TestResetReturnsToBlankWorkflow(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.Configure(ctx, "session-1", Crop{Rows: 4, Cols: 4, Enabled: true}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	job, err := svc.Reset(ctx, "session-1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if job.Status != StatusIdle || len(job.Assets) != 0 || job.Result != nil {
		t.Fatalf("expected blank workflow, got %+v", job)
	}
	if job.Crop != DefaultCrop() {
		t.Fatalf("expected default crop, got %+v", job.Crop)
	}
}

func TestCancelAfterCompleteIsNoOp(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	if _, err := svc.Cancel(ctx, "session-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job, _ := svc.Status("session-1")
	if job.Status != StatusComplete || job.Result == nil {
		t.Fatalf("cancel after completion must not disturb the job, got %+v", job)
	}
}

func TestEditCommitPromotesCopy(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	if _, err := svc.BeginEdit(ctx, "session-1"); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if _, err := svc.UpdateSummary(ctx, "session-1", Summary{Trend: "edited trend", Recommendation: "edited rec"}); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	if _, err := svc.UpdateInsight(ctx, "session-1", 0, Insight{Title: "edited title", Trend: "edited", Recommendation: "edited"}); err != nil {
		t.Fatalf("UpdateInsight: %v", err)
	}

	job, _ := svc.Status("session-1")
	if job.Result.ExecutiveSummary.Trend == "edited trend" {
		t.Fatalf("committed result must not change before commit")
	}
	if job.Edit == nil || job.Edit.ExecutiveSummary.Trend != "edited trend" {
		t.Fatalf("expected edit copy updated, got %+v", job.Edit)
	}
	if job.Edit.GraphInsights[0].Filename != "q1.png" || job.Edit.GraphInsights[0].ImageURL != "/images/q1.png" {
		t.Fatalf("insight identity must survive edits, got %+v", job.Edit.GraphInsights[0])
	}

	job, err := svc.CommitEdit(ctx, "session-1")
	if err != nil {
		t.Fatalf("CommitEdit: %v", err)
	}
	if job.Result.ExecutiveSummary.Trend != "edited trend" || job.Result.GraphInsights[0].Title != "edited title" {
		t.Fatalf("expected committed edits, got %+v", job.Result)
	}
	if job.Edit != nil || !job.Edited {
		t.Fatalf("expected edit mode closed and job marked edited")
	}
}

func TestEditDiscardKeepsCommittedResult(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	if _, err := svc.BeginEdit(ctx, "session-1"); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if _, err := svc.UpdateSummary(ctx, "session-1", Summary{Trend: "edited trend"}); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	job, err := svc.DiscardEdit(ctx, "session-1")
	if err != nil {
		t.Fatalf("DiscardEdit: %v", err)
	}
	if job.Edit != nil || job.Edited {
		t.Fatalf("expected edit discarded, got %+v", job)
	}
	if job.Result.ExecutiveSummary.Trend != "exposure rising" {
		t.Fatalf("committed result must be untouched, got %+v", job.Result)
	}
}

func TestUpdateInsightIndexValidated(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)
	if _, err := svc.BeginEdit(ctx, "session-1"); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if _, err := svc.UpdateInsight(ctx, "session-1", 99, Insight{Title: "x"}); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEditOpsRequireEditMode(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	if _, err := svc.UpdateSummary(ctx, "session-1", Summary{}); !errors.Is(err, ErrNotEditing) {
		t.Fatalf("expected ErrNotEditing, got %v", err)
	}
	if _, err := svc.CommitEdit(ctx, "session-1"); !errors.Is(err, ErrNotEditing) {
		t.Fatalf("expected ErrNotEditing, got %v", err)
	}
}

func TestDownloadReportForwardsCommittedEdits(t *testing.T) {
	fa := &fakeAnalysis{}
	svc := newTestService(t, fa)
	ctx := context.Background()

	stageAssets(t, svc, "session-1", "q1.png")
	if _, err := svc.StartAnalysis(ctx, "session-1"); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	_, _, filename, err := svc.DownloadReport(ctx, "session-1")
	if err != nil {
		t.Fatalf("DownloadReport: %v", err)
	}
	if !strings.HasPrefix(filename, "Insights_Report_") || !strings.HasSuffix(filename, ".pptx") {
		t.Fatalf("unexpected filename %q", filename)
	}

	if _, err := svc.BeginEdit(ctx, "session-1"); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if _, err := svc.UpdateSummary(ctx, "session-1", Summary{Trend: "draft trend"}); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}

	// With edit mode still open the uncommitted copy rides along.
	if _, _, _, err := svc.DownloadReport(ctx, "session-1"); err != nil {
		t.Fatalf("DownloadReport during edit: %v", err)
	}

	if _, err := svc.CommitEdit(ctx, "session-1"); err != nil {
		t.Fatalf("CommitEdit: %v", err)
	}
	if _, _, _, err := svc.DownloadReport(ctx, "session-1"); err != nil {
		t.Fatalf("DownloadReport after commit: %v", err)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.reportEdited) != 3 {
		t.Fatalf("expected three report calls, got %d", len(fa.reportEdited))
	}
	if fa.reportEdited[0] != nil {
		t.Fatalf("unedited report must not forward a result")
	}
	if fa.reportEdited[1] == nil || fa.reportEdited[1].ExecutiveSummary.Trend != "draft trend" {
		t.Fatalf("open-edit report must forward the editing copy, got %+v", fa.reportEdited[1])
	}
	if fa.reportEdited[2] == nil || fa.reportEdited[2].ExecutiveSummary.Trend != "draft trend" {
		t.Fatalf("post-commit report must forward committed edits, got %+v", fa.reportEdited[2])
	}
}

func TestDownloadReportWithoutResultRejected(t *testing.T) {
	svc := newTestService(t, &fakeAnalysis{})
	stageAssets(t, svc, "session-1", "q1.png")
	if _, _, _, err := svc.DownloadReport(context.Background(), "session-1"); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}
