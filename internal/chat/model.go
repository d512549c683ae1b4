package chat

import "time"

// Message senders.
const (
	SenderUser   = "user"
	SenderSystem = "system"
)

// Kinds of system turns. A confirmation turn leaves the session with a
// pending prompt that must be resolved before the next question.
const (
	KindQuestion     = "question"
	KindAnswer       = "answer"
	KindConfirmation = "confirmation"
	KindError        = "error"
)

// Interpretation is the query service's reading of a question, surfaced so
// the user can verify what is about to run.
type Interpretation struct {
	DataRequested       string   `json:"dataRequested"`
	AnalysisType        string   `json:"analysisType"`
	ContextSignificance string   `json:"contextSignificance"`
	IntentArray         []string `json:"intentArray,omitempty"`
}

// Message is one transcript entry. IDs are assigned per session and increase
// monotonically, user and system turns interleaved.
type Message struct {
	ID               int64            `json:"id"`
	Sender           string           `json:"sender"`
	Kind             string           `json:"kind"`
	Text             string           `json:"text"`
	Question         string           `json:"question,omitempty"`
	SQLQuery         string           `json:"sqlQuery,omitempty"`
	RawData          []map[string]any `json:"rawData,omitempty"`
	RowCount         int              `json:"rowCount,omitempty"`
	Interpretation   *Interpretation  `json:"interpretation,omitempty"`
	OffersRefinement bool             `json:"offersRefinement,omitempty"`
	FeedbackType     string           `json:"feedbackType,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// PendingPrompt tracks an unresolved confirmation. While set, new questions
// are rejected until the user confirms, declines, or submits an edit.
type PendingPrompt struct {
	Question        string `json:"question"`
	PromptMessageID int64  `json:"promptMessageId"`
}

// Session is the whole conversation state for one caller. It is persisted as
// a single document and replaced on every write.
type Session struct {
	ID            string         `json:"id"`
	Messages      []Message      `json:"messages"`
	NextMessageID int64          `json:"nextMessageId"`
	Pending       *PendingPrompt `json:"pending,omitempty"`
	LastQuestion  string         `json:"lastQuestion,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// NewSession constructs an empty session.
func NewSession(id string, now time.Time) Session {
	return Session{
		ID:            id,
		Messages:      []Message{},
		NextMessageID: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *Session) nextID() int64 {
	id := s.NextMessageID
	s.NextMessageID++
	return id
}

// lastReportableAnswer returns the newest answer that carries both the SQL
// and its rows. Reports are built from that answer, so nothing older or
// partial qualifies.
func lastReportableAnswer(session Session) *Message {
	for i := len(session.Messages) - 1; i >= 0; i-- {
		msg := &session.Messages[i]
		if msg.Sender == SenderSystem && msg.Kind == KindAnswer && msg.SQLQuery != "" && len(msg.RawData) > 0 {
			return msg
		}
	}
	return nil
}

func (s *Session) findMessage(id int64) *Message {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return &s.Messages[i]
		}
	}
	return nil
}
