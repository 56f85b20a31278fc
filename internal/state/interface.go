package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// LoopStore persists whole loop records.
type LoopStore interface {
	// SaveLoop inserts or overwrites the loop row in place.
	SaveLoop(ctx context.Context, loop *models.Loop) error
	// GetLoop returns nil, nil when the loop does not exist.
	GetLoop(ctx context.Context, id string) (*models.Loop, error)
	ListLoops(ctx context.Context) ([]*models.Loop, error)
	ListLoopsByStatus(ctx context.Context, statuses ...models.LoopStatus) ([]*models.Loop, error)
	DeleteLoop(ctx context.Context, id string) error
}

// CommentStore is the append-only review comment ledger.
type CommentStore interface {
	AddComment(ctx context.Context, c *models.ReviewComment) error
	// AddCommentWithLoop appends the comment and saves the loop atomically.
	AddCommentWithLoop(ctx context.Context, c *models.ReviewComment, loop *models.Loop) error
	// ListComments orders by review cycle, newest first.
	ListComments(ctx context.Context, loopID string) ([]models.ReviewComment, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Store composes everything the orchestrator persists.
type Store interface {
	io.Closer
	Migrator
	LoopStore
	CommentStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store        = (*DB)(nil)
	_ LoopStore    = (*DB)(nil)
	_ CommentStore = (*DB)(nil)
)
