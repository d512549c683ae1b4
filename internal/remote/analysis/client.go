package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"insights-gateway/internal/remote"
)

const serviceName = "analysis-service"

// Client talks to the chart analysis service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs an analysis service client.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("ANALYSIS_SERVICE_URL is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Asset is one chart image queued for upload.
type Asset struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// UploadResult reports what the service accepted.
type UploadResult struct {
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

// CropSettings controls how uploaded charts are split before analysis.
type CropSettings struct {
	Rows    int  `json:"rows"`
	Cols    int  `json:"cols"`
	Enabled bool `json:"enabled"`
}

// Summary is the deck-level takeaway.
type Summary struct {
	Trend          string `json:"trend"`
	Recommendation string `json:"recommendation"`
}

// Insight is the finding for a single chart.
type Insight struct {
	Filename       string `json:"filename"`
	ImageURL       string `json:"image_url,omitempty"`
	Title          string `json:"title"`
	Trend          string `json:"trend"`
	Recommendation string `json:"recommendation"`
}

// Result is the full analysis output.
type Result struct {
	ExecutiveSummary Summary   `json:"executive_summary"`
	GraphInsights    []Insight `json:"graph_insights"`
}

// UploadAssets sends chart images as a multipart form. The service replaces
// any previously staged images with this batch.
func (c *Client) UploadAssets(ctx context.Context, assets []Asset) (*UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, a := range assets {
		part, err := w.CreateFormFile("files", a.Name)
		if err != nil {
			return nil, fmt.Errorf("multipart form: %w", err)
		}
		if _, err := io.Copy(part, a.Data); err != nil {
			return nil, fmt.Errorf("multipart copy %s: %w", a.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("multipart close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-images", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var parsed UploadResult
	if err := c.do(req, "upload-images", &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// ConfigureTransform pushes crop settings to the service. Settings are sent
// even when cropping is disabled so the service's previous state is cleared.
func (c *Client) ConfigureTransform(ctx context.Context, cfg CropSettings) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/configure-cropping", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "configure-cropping", nil)
}

// RunAnalysis asks the service to analyze the staged images.
func (c *Client) RunAnalysis(ctx context.Context) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/analyze", nil)
	if err != nil {
		return nil, err
	}
	var parsed Result
	if err := c.do(req, "analyze", &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// FetchReport downloads the generated slide deck. When edited is non-nil the
// edited insights are sent so the report reflects the user's changes.
func (c *Client) FetchReport(ctx context.Context, edited *Result) ([]byte, string, error) {
	var (
		req *http.Request
		err error
	)
	if edited != nil {
		payload, merr := json.Marshal(edited)
		if merr != nil {
			return nil, "", merr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/download-report", bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download-report", nil)
	}
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", remote.Classify(serviceName, "download-report", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", remote.Classify(serviceName, "download-report", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", remote.FromStatus(serviceName, "download-report", resp.StatusCode, body)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.Classify(serviceName, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.Classify(serviceName, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remote.FromStatus(serviceName, op, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &remote.CallError{
			Kind:    remote.KindBackend,
			Service: serviceName,
			Op:      op,
			Message: "response parse",
			Err:     err,
		}
	}
	return nil
}
