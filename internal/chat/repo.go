package chat

import "context"

// Repo persists whole sessions. Put replaces the stored document.
type Repo interface {
	Get(ctx context.Context, sessionID string) (Session, error)
	Put(ctx context.Context, session Session) error
	Delete(ctx context.Context, sessionID string) error
}
