package deck

import "time"

// Workflow statuses. Uploading, configuring and analyzing are the stages of
// one run; cancellation between stages lands on cancelled, not failed.
const (
	StatusIdle        = "idle"
	StatusUploading   = "uploading"
	StatusConfiguring = "configuring"
	StatusAnalyzing   = "analyzing"
	StatusComplete    = "complete"
	StatusCancelled   = "cancelled"
	StatusFailed      = "failed"
)

// Crop defaults match the service's grid layout.
const (
	DefaultCropRows = 2
	DefaultCropCols = 3
)

// Crop controls how uploaded charts are split before analysis.
type Crop struct {
	Rows    int  `json:"rows"`
	Cols    int  `json:"cols"`
	Enabled bool `json:"enabled"`
}

// DefaultCrop returns the crop settings used when the user never touched them.
func DefaultCrop() Crop {
	return Crop{Rows: DefaultCropRows, Cols: DefaultCropCols, Enabled: false}
}

// Asset is one staged chart image.
type Asset struct {
	Name       string `json:"name"`
	StorageKey string `json:"-"`
	SizeBytes  int64  `json:"sizeBytes"`
	MimeType   string `json:"mimeType"`
}

// Summary is the deck-level takeaway.
type Summary struct {
	Trend          string `json:"trend"`
	Recommendation string `json:"recommendation"`
}

// Insight is the finding for a single chart.
type Insight struct {
	Filename       string `json:"filename"`
	ImageURL       string `json:"imageUrl,omitempty"`
	Title          string `json:"title"`
	Trend          string `json:"trend"`
	Recommendation string `json:"recommendation"`
}

// Result is a full analysis outcome.
type Result struct {
	ExecutiveSummary Summary   `json:"executiveSummary"`
	GraphInsights    []Insight `json:"graphInsights"`
}

// Clone returns a deep copy so edits never touch the committed result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{ExecutiveSummary: r.ExecutiveSummary}
	out.GraphInsights = make([]Insight, len(r.GraphInsights))
	copy(out.GraphInsights, r.GraphInsights)
	return out
}

// Job is the per-session workflow state.
type Job struct {
	SessionID   string     `json:"sessionId"`
	Status      string     `json:"status"`
	Crop        Crop       `json:"crop"`
	Assets      []Asset    `json:"assets"`
	Result      *Result    `json:"result,omitempty"`
	Edit        *Result    `json:"edit,omitempty"`
	Edited      bool       `json:"edited"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Running reports whether a run is in flight.
func (j *Job) Running() bool {
	switch j.Status {
	case StatusUploading, StatusConfiguring, StatusAnalyzing:
		return true
	}
	return false
}
