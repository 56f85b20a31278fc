package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// ErrInvalidComment is returned when a comment lacks its loop or text.
var ErrInvalidComment = errors.New("invalid review comment")

// AddComment appends a review comment. ID and CreatedAt are filled in when
// empty.
func (db *DB) AddComment(ctx context.Context, c *models.ReviewComment) error {
	if err := prepareComment(c); err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		db.mu.Lock()
		defer db.mu.Unlock()
		return insertComment(ctx, db.conn, c)
	})
}

// AddCommentWithLoop appends a review comment and saves the loop in one
// transaction. Neither write is visible unless both succeed.
func (db *DB) AddCommentWithLoop(ctx context.Context, c *models.ReviewComment, loop *models.Loop) error {
	if err := prepareComment(c); err != nil {
		return err
	}
	row, err := newLoopRow(loop)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		return db.Transaction(ctx, func(tx *sql.Tx) error {
			if err := insertComment(ctx, tx, c); err != nil {
				return err
			}
			return row.upsert(ctx, tx)
		})
	})
}

func prepareComment(c *models.ReviewComment) error {
	if c == nil || c.LoopID == "" || c.CommentText == "" {
		return ErrInvalidComment
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return nil
}

func insertComment(ctx context.Context, ex execer, c *models.ReviewComment) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO review_comments (id, loop_id, comment_text, review_cycle, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.LoopID, c.CommentText, c.ReviewCycle, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("add review comment: %w", err)
	}
	return nil
}

// ListComments returns the comments of a loop, newest review cycle first.
func (db *DB) ListComments(ctx context.Context, loopID string) ([]models.ReviewComment, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, loop_id, comment_text, review_cycle, created_at
		FROM review_comments
		WHERE loop_id = ?
		ORDER BY review_cycle DESC, created_at DESC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("list review comments: %w", err)
	}
	defer rows.Close()

	comments := []models.ReviewComment{}
	for rows.Next() {
		var c models.ReviewComment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.LoopID, &c.CommentText, &c.ReviewCycle, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review comment: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse comment time: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review comments: %w", err)
	}
	return comments, nil
}
