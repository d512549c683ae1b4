package deck

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"insights-gateway/internal/shared/server/middleware"
	"insights-gateway/internal/shared/storage/object/local"
)

func newDeckRouter(t *testing.T, fa *fakeAnalysis) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := NewService(NewJobStore(), fa, local.New(t.TempDir()))
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Session())
	NewHandler(svc).RegisterRoutes(r.Group("/api/v1"))
	return r, svc
}

func multipartUpload(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		if _, err := part.Write([]byte("png-bytes-" + name)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func doReq(r *gin.Engine, method, path, sessionID, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Session-Id", sessionID)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestAssetsEndpointStagesFiles(t *testing.T) {
	r, _ := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "q1.png", "q2.jpg")
	resp := doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var job Job
	if err := json.Unmarshal(resp.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(job.Assets) != 2 || job.Status != StatusIdle {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestAssetsEndpointRejectsBadExtension(t *testing.T) {
	r, _ := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "report.docx")
	resp := doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "report.docx") {
		t.Fatalf("expected offending file named: %s", resp.Body.String())
	}
}

func TestAnalyzeEndpointReturnsAccepted(t *testing.T) {
	r, svc := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "q1.png")
	doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)

	resp := doReq(r, http.MethodPost, "/api/v1/deck/analyze", "session-1", "", nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	waitForStatus(t, svc, "session-1", StatusComplete)

	status := doReq(r, http.MethodGet, "/api/v1/deck/status", "session-1", "", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", status.Code)
	}
	var job Job
	if err := json.Unmarshal(status.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != StatusComplete || job.Result == nil {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestStatusEndpointLimitsPolling(t *testing.T) {
	r, _ := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "q1.png")
	doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)

	first := doReq(r, http.MethodGet, "/api/v1/deck/status", "session-1", "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := doReq(r, http.MethodGet, "/api/v1/deck/status", "session-1", "", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on immediate re-poll, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestStatusUnknownSessionReturns404(t *testing.T) {
	r, _ := newDeckRouter(t, &fakeAnalysis{})
	resp := doReq(r, http.MethodGet, "/api/v1/deck/status", "ghost", "", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAnalyzeWithoutAssetsRejected(t *testing.T) {
	r, _ := newDeckRouter(t, &fakeAnalysis{})
	resp := doReq(r, http.MethodPost, "/api/v1/deck/analyze", "session-1", "", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestEditEndpointsRoundTrip(t *testing.T) {
	r, svc := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "q1.png")
	doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)
	doReq(r, http.MethodPost, "/api/v1/deck/analyze", "session-1", "", nil)
	waitForStatus(t, svc, "session-1", StatusComplete)

	if resp := doReq(r, http.MethodPost, "/api/v1/deck/edit", "session-1", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("begin edit: %d %s", resp.Code, resp.Body.String())
	}

	payload := bytes.NewBufferString(`{"trend":"edited trend","recommendation":"edited rec"}`)
	if resp := doReq(r, http.MethodPatch, "/api/v1/deck/edit/summary", "session-1", "application/json", payload); resp.Code != http.StatusOK {
		t.Fatalf("update summary: %d %s", resp.Code, resp.Body.String())
	}

	payload = bytes.NewBufferString(`{"title":"edited title","trend":"up","recommendation":"hedge"}`)
	if resp := doReq(r, http.MethodPatch, "/api/v1/deck/edit/insights/0", "session-1", "application/json", payload); resp.Code != http.StatusOK {
		t.Fatalf("update insight: %d %s", resp.Code, resp.Body.String())
	}

	resp := doReq(r, http.MethodPost, "/api/v1/deck/edit/commit", "session-1", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", resp.Code, resp.Body.String())
	}
	var job Job
	if err := json.Unmarshal(resp.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Result.ExecutiveSummary.Trend != "edited trend" || job.Result.GraphInsights[0].Title != "edited title" {
		t.Fatalf("expected committed edits, got %+v", job.Result)
	}
}

func TestEditWithoutResultRejected(t *testing.T) {
	r, _ := newDeckRouter(t, &fakeAnalysis{})
	body, contentType := multipartUpload(t, "q1.png")
	doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)

	resp := doReq(r, http.MethodPost, "/api/v1/deck/edit", "session-1", "", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestReportEndpointSetsAttachmentHeaders(t *testing.T) {
	r, svc := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "q1.png")
	doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)
	doReq(r, http.MethodPost, "/api/v1/deck/analyze", "session-1", "", nil)
	waitForStatus(t, svc, "session-1", StatusComplete)

	resp := doReq(r, http.MethodGet, "/api/v1/deck/report", "session-1", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	disposition := resp.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "Insights_Report_") || !strings.Contains(disposition, ".pptx") {
		t.Fatalf("unexpected disposition %q", disposition)
	}
}

func TestResetEndpointClearsWorkflow(t *testing.T) {
	r, svc := newDeckRouter(t, &fakeAnalysis{})

	body, contentType := multipartUpload(t, "q1.png")
	doReq(r, http.MethodPost, "/api/v1/deck/assets", "session-1", contentType, body)
	doReq(r, http.MethodPost, "/api/v1/deck/analyze", "session-1", "", nil)
	waitForStatus(t, svc, "session-1", StatusComplete)

	resp := doReq(r, http.MethodPost, "/api/v1/deck/reset", "session-1", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var job Job
	if err := json.Unmarshal(resp.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != StatusIdle || len(job.Assets) != 0 || job.Result != nil {
		t.Fatalf("expected blank workflow, got %+v", job)
	}
}
