package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"insights-gateway/internal/remote"
)

const serviceName = "query-service"

// Client talks to the natural-language query service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a query service client.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("QUERY_SERVICE_URL is required")
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

// Interpretation is the service's reading of what was asked.
type Interpretation struct {
	DataRequested       string   `json:"data_requested"`
	AnalysisType        string   `json:"analysis_type"`
	ContextSignificance string   `json:"context_significance"`
	IntentArray         []string `json:"intent_array"`
}

// Answer is the service's reply to a question, a confirmation, or a
// refinement.
type Answer struct {
	Response          string           `json:"response"`
	SQLQuery          string           `json:"sql_query"`
	RawData           []map[string]any `json:"raw_data"`
	RowCount          int              `json:"row_count"`
	Success           bool             `json:"success"`
	SessionID         string           `json:"session_id"`
	Timestamp         string           `json:"timestamp"`
	NeedsRefinement   bool             `json:"needs_refinement"`
	NeedsConfirmation bool             `json:"needs_confirmation"`
	Interpretation    *Interpretation  `json:"interpreted_question"`
}

// Feedback is a user's rating of one answer.
type Feedback struct {
	MessageID     int64  `json:"messageId"`
	Type          string `json:"type"`
	Feedback      string `json:"feedback"`
	OriginalQuery string `json:"originalQuery"`
	SQLQuery      string `json:"sqlQuery"`
	Response      string `json:"response"`
}

type askRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type confirmRequest struct {
	Confirmed bool   `json:"confirmed"`
	SessionID string `json:"session_id"`
}

type refineRequest struct {
	OriginalQuestion string `json:"original_question"`
	Feedback         string `json:"feedback"`
	SessionID        string `json:"session_id"`
}

// Ask submits a question.
func (c *Client) Ask(ctx context.Context, message, sessionID string) (*Answer, error) {
	return c.postAnswer(ctx, "ask", "/chat", askRequest{Message: message, SessionID: sessionID})
}

// Confirm resolves a pending clarification prompt.
func (c *Client) Confirm(ctx context.Context, confirmed bool, sessionID string) (*Answer, error) {
	return c.postAnswer(ctx, "confirm", "/confirm", confirmRequest{Confirmed: confirmed, SessionID: sessionID})
}

// Refine re-runs a question combined with the user's steering feedback.
func (c *Client) Refine(ctx context.Context, originalQuestion, feedback, sessionID string) (*Answer, error) {
	return c.postAnswer(ctx, "refine", "/refine", refineRequest{
		OriginalQuestion: originalQuestion,
		Feedback:         feedback,
		SessionID:        sessionID,
	})
}

// ReportRequest carries the answered question a report is built from. The
// service is stateless about past answers, so the query, SQL, and rows all
// travel with the request.
type ReportRequest struct {
	Question  string           `json:"question"`
	SQLQuery  string           `json:"sql_query"`
	RawData   []map[string]any `json:"raw_data"`
	SessionID string           `json:"session_id"`
}

// GenerateReport asks the service for a downloadable report of one answered
// question. Returns the raw document and its content type.
func (c *Client) GenerateReport(ctx context.Context, req ReportRequest) ([]byte, string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.post(ctx, "generate-report", "/generate-report", payload)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", remote.Classify(serviceName, "generate-report", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", remote.FromStatus(serviceName, "generate-report", resp.StatusCode, body)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// SubmitFeedback forwards a rating. The service only records it, so the
// response body is discarded.
func (c *Client) SubmitFeedback(ctx context.Context, fb Feedback) error {
	payload, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "feedback", "/feedback", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return remote.FromStatus(serviceName, "feedback", resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) postAnswer(ctx context.Context, op, path string, body any) (*Answer, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, op, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Classify(serviceName, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, remote.FromStatus(serviceName, op, resp.StatusCode, raw)
	}

	var parsed Answer
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &remote.CallError{
			Kind:    remote.KindBackend,
			Service: serviceName,
			Op:      op,
			Message: "response parse",
			Err:     err,
		}
	}
	return &parsed, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remote.Classify(serviceName, op, err)
	}
	return resp, nil
}
