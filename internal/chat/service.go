package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"insights-gateway/internal/remote"
	"insights-gateway/internal/remote/query"
	"insights-gateway/internal/shared/metrics"
	"insights-gateway/internal/shared/telemetry"
)

// Feedback ratings.
const (
	FeedbackUp   = "up"
	FeedbackDown = "down"
)

// QueryService is the slice of the query client the conversation needs.
type QueryService interface {
	Ask(ctx context.Context, message, sessionID string) (*query.Answer, error)
	Confirm(ctx context.Context, confirmed bool, sessionID string) (*query.Answer, error)
	Refine(ctx context.Context, originalQuestion, feedback, sessionID string) (*query.Answer, error)
	GenerateReport(ctx context.Context, req query.ReportRequest) ([]byte, string, error)
	SubmitFeedback(ctx context.Context, fb query.Feedback) error
}

// Service contains the conversation logic: one question or prompt resolution
// at a time per session, transcript persisted after every turn.
type Service struct {
	Repo  Repo
	Query QueryService

	mu       sync.Mutex
	inFlight map[string]bool

	now func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repo, qs QueryService) *Service {
	return &Service{
		Repo:     repo,
		Query:    qs,
		inFlight: make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Turn is the outcome of one conversational operation: the user's transcript
// entry (when one was added) and the system's reply.
type Turn struct {
	UserMessage   *Message `json:"userMessage,omitempty"`
	SystemMessage Message  `json:"systemMessage"`
	SessionID     string   `json:"sessionId"`
}

// SubmitQuestion sends a new question. Rejected while a confirmation prompt
// is unresolved.
func (s *Service) SubmitQuestion(ctx context.Context, sessionID, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, fmt.Errorf("%w: question must not be empty", errValidation)
	}
	release, err := s.beginTurn(sessionID)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	session, err := s.loadOrCreate(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if session.Pending != nil {
		return Turn{}, ErrPendingPrompt
	}

	return s.runAsk(ctx, session, text)
}

// Confirm resolves the pending confirmation prompt. A decline tells the query
// service to drop its staged question and invites a rephrase.
func (s *Service) Confirm(ctx context.Context, sessionID string, confirmed bool) (Turn, error) {
	release, err := s.beginTurn(sessionID)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	session, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if session.Pending == nil {
		return Turn{}, ErrNoPendingPrompt
	}

	started := s.now()
	metrics.IncTurnStarted()
	answer, err := s.Query.Confirm(ctx, confirmed, sessionID)
	session.Pending = nil
	if err != nil {
		return s.finishFailedTurn(ctx, session, nil, "confirm", started, err)
	}
	return s.finishTurn(ctx, session, nil, answer, started)
}

// SubmitEditedQuestion replaces the question behind a pending prompt. The
// staged question is declined remotely first so the service does not treat
// the edit as a confirmation answer.
func (s *Service) SubmitEditedQuestion(ctx context.Context, sessionID, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, fmt.Errorf("%w: question must not be empty", errValidation)
	}
	release, err := s.beginTurn(sessionID)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	session, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if session.Pending == nil {
		return Turn{}, ErrNoPendingPrompt
	}
	if text == strings.TrimSpace(session.Pending.Question) {
		return Turn{}, fmt.Errorf("%w: edited question must differ from the original", errValidation)
	}

	if _, err := s.Query.Confirm(ctx, false, sessionID); err != nil {
		if remote.IsCancelled(err) {
			return Turn{}, err
		}
		telemetry.Error("chat.decline_pending", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	session.Pending = nil

	return s.runAsk(ctx, session, text)
}

// Refine re-runs the last question with steering feedback appended.
func (s *Service) Refine(ctx context.Context, sessionID, feedback string) (Turn, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return Turn{}, fmt.Errorf("%w: refinement feedback must not be empty", errValidation)
	}
	release, err := s.beginTurn(sessionID)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	session, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if session.Pending != nil {
		return Turn{}, ErrPendingPrompt
	}
	if session.LastQuestion == "" {
		return Turn{}, fmt.Errorf("%w: nothing to refine yet", errValidation)
	}

	now := s.now()
	userMsg := Message{
		ID:        session.nextID(),
		Sender:    SenderUser,
		Kind:      KindQuestion,
		Text:      feedback,
		Question:  session.LastQuestion,
		CreatedAt: now,
	}
	session.Messages = append(session.Messages, userMsg)

	started := s.now()
	metrics.IncTurnStarted()
	answer, err := s.Query.Refine(ctx, session.LastQuestion, feedback, sessionID)
	if err != nil {
		return s.finishFailedTurn(ctx, session, &userMsg, "refine", started, err)
	}
	return s.finishTurn(ctx, session, &userMsg, answer, started)
}

// DownloadReport fetches a document summarizing the conversation so far.
func (s *Service) DownloadReport(ctx context.Context, sessionID string) ([]byte, string, string, error) {
	session, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return nil, "", "", err
	}
	answer := lastReportableAnswer(session)
	if answer == nil {
		return nil, "", "", fmt.Errorf("%w: no answer with query results to report", errValidation)
	}
	body, contentType, err := s.Query.GenerateReport(ctx, query.ReportRequest{
		Question:  answer.Question,
		SQLQuery:  answer.SQLQuery,
		RawData:   answer.RawData,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, "", "", err
	}
	if contentType == "" {
		contentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	}
	filename := fmt.Sprintf("Insights_Report_%s.pptx", s.now().Format("2006-01-02"))
	return body, contentType, filename, nil
}

// SubmitFeedback records a rating for one answer and forwards it to the
// query service. A thumbs-down requires an explanation.
func (s *Service) SubmitFeedback(ctx context.Context, sessionID string, messageID int64, fbType, text string) error {
	fbType = strings.TrimSpace(strings.ToLower(fbType))
	if fbType != FeedbackUp && fbType != FeedbackDown {
		return fmt.Errorf("%w: feedback type must be %q or %q", errValidation, FeedbackUp, FeedbackDown)
	}
	text = strings.TrimSpace(text)
	if fbType == FeedbackDown && text == "" {
		return fmt.Errorf("%w: negative feedback requires an explanation", errValidation)
	}

	session, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	msg := session.findMessage(messageID)
	if msg == nil || msg.Sender != SenderSystem {
		return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}

	err = s.Query.SubmitFeedback(ctx, query.Feedback{
		MessageID:     messageID,
		Type:          fbType,
		Feedback:      text,
		OriginalQuery: msg.Question,
		SQLQuery:      msg.SQLQuery,
		Response:      msg.Text,
	})
	if err != nil {
		return err
	}

	msg.FeedbackType = fbType
	session.UpdatedAt = s.now()
	if err := s.Repo.Put(ctx, session); err != nil {
		return err
	}
	telemetry.Info("chat.feedback", map[string]any{
		"session_id": sessionID,
		"message_id": messageID,
		"type":       fbType,
	})
	return nil
}

// History returns the transcript for a session.
// DeleteSession drops a session's transcript. Rejected while a turn is in
// flight so a running ask cannot resurrect the document.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	release, err := s.beginTurn(sessionID)
	if err != nil {
		return err
	}
	defer release()
	return s.Repo.Delete(ctx, sessionID)
}

func (s *Service) History(ctx context.Context, sessionID string) (Session, error) {
	return s.Repo.Get(ctx, sessionID)
}

func (s *Service) runAsk(ctx context.Context, session Session, text string) (Turn, error) {
	now := s.now()
	userMsg := Message{
		ID:        session.nextID(),
		Sender:    SenderUser,
		Kind:      KindQuestion,
		Text:      text,
		CreatedAt: now,
	}
	session.Messages = append(session.Messages, userMsg)
	session.LastQuestion = text

	started := s.now()
	metrics.IncTurnStarted()
	answer, err := s.Query.Ask(ctx, text, session.ID)
	if err != nil {
		return s.finishFailedTurn(ctx, session, &userMsg, "ask", started, err)
	}
	return s.finishTurn(ctx, session, &userMsg, answer, started)
}

func (s *Service) finishTurn(ctx context.Context, session Session, userMsg *Message, answer *query.Answer, started time.Time) (Turn, error) {
	now := s.now()
	sysMsg := Message{
		ID:               session.nextID(),
		Sender:           SenderSystem,
		Kind:             KindAnswer,
		Text:             answer.Response,
		Question:         session.LastQuestion,
		SQLQuery:         answer.SQLQuery,
		RawData:          answer.RawData,
		RowCount:         answer.RowCount,
		OffersRefinement: answer.NeedsRefinement,
		CreatedAt:        now,
	}
	if answer.Interpretation != nil {
		sysMsg.Interpretation = &Interpretation{
			DataRequested:       answer.Interpretation.DataRequested,
			AnalysisType:        answer.Interpretation.AnalysisType,
			ContextSignificance: answer.Interpretation.ContextSignificance,
			IntentArray:         answer.Interpretation.IntentArray,
		}
	}
	if answer.NeedsConfirmation {
		sysMsg.Kind = KindConfirmation
		session.Pending = &PendingPrompt{
			Question:        session.LastQuestion,
			PromptMessageID: sysMsg.ID,
		}
	} else if !answer.Success {
		// The service answered but could not interpret or run the question.
		sysMsg.Kind = KindError
		sysMsg.OffersRefinement = answer.NeedsRefinement
	}
	session.Messages = append(session.Messages, sysMsg)
	session.UpdatedAt = now

	if err := s.Repo.Put(ctx, session); err != nil {
		metrics.IncTurnFailed()
		return Turn{}, err
	}
	metrics.IncTurnCompleted()
	metrics.ObserveTurnDurationMs(float64(now.Sub(started)) / float64(time.Millisecond))
	telemetry.Info("chat.turn", map[string]any{
		"session_id": session.ID,
		"message_id": sysMsg.ID,
		"kind":       sysMsg.Kind,
		"row_count":  sysMsg.RowCount,
	})
	return Turn{UserMessage: userMsg, SystemMessage: sysMsg, SessionID: session.ID}, nil
}

// finishFailedTurn records a failed call as an error turn so the transcript
// reflects what the user saw. Cancellation is not recorded: the caller is
// gone and nothing was shown.
func (s *Service) finishFailedTurn(ctx context.Context, session Session, userMsg *Message, op string, started time.Time, callErr error) (Turn, error) {
	metrics.IncTurnFailed()
	if remote.IsCancelled(callErr) {
		return Turn{}, callErr
	}
	telemetry.Error("chat.turn_failed", map[string]any{
		"session_id": session.ID,
		"op":         op,
		"error":      callErr.Error(),
	})

	now := s.now()
	sysMsg := Message{
		ID:        session.nextID(),
		Sender:    SenderSystem,
		Kind:      KindError,
		Text:      userFacingError(callErr),
		Question:  session.LastQuestion,
		CreatedAt: now,
	}
	session.Messages = append(session.Messages, sysMsg)
	session.UpdatedAt = now
	if err := s.Repo.Put(ctx, session); err != nil {
		return Turn{}, err
	}
	metrics.ObserveTurnDurationMs(float64(now.Sub(started)) / float64(time.Millisecond))
	return Turn{UserMessage: userMsg, SystemMessage: sysMsg, SessionID: session.ID}, nil
}

func (s *Service) beginTurn(sessionID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[sessionID] {
		return nil, ErrSessionBusy
	}
	s.inFlight[sessionID] = true
	return func() {
		s.mu.Lock()
		delete(s.inFlight, sessionID)
		s.mu.Unlock()
	}, nil
}

func (s *Service) loadOrCreate(ctx context.Context, sessionID string) (Session, error) {
	session, err := s.Repo.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return NewSession(sessionID, s.now()), nil
	}
	return session, err
}

var errValidation = errors.New("validation")

// IsValidation reports whether err is a bad-request failure.
func IsValidation(err error) bool {
	return errors.Is(err, errValidation) ||
		errors.Is(err, ErrPendingPrompt) ||
		errors.Is(err, ErrNoPendingPrompt)
}

func userFacingError(err error) string {
	var ce *remote.CallError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case remote.KindNetwork:
			return "The query service could not be reached. Please try again."
		case remote.KindBackend:
			return "The query service could not process this question. Please try rephrasing it."
		}
	}
	return "Something went wrong processing this question. Please try again."
}
