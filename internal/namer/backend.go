package namer

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// BackendSummarizer asks an agent backend for the title in a throwaway
// session.
type BackendSummarizer struct {
	Backend   backend.Backend
	Directory string
	Model     *models.ModelSelection
}

// Summarize implements Summarizer.
func (s *BackendSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	sess, err := s.Backend.CreateSession(ctx, backend.SessionOptions{
		Title:     "loop name",
		Directory: s.Directory,
		Model:     s.Model,
	})
	if err != nil {
		return "", fmt.Errorf("create naming session: %w", err)
	}
	defer func() {
		// the caller's deadline may already have passed
		_ = s.Backend.DeleteSession(context.WithoutCancel(ctx), sess.ID)
	}()

	resp, err := s.Backend.SendPrompt(ctx, sess.ID, backend.Prompt{
		Text:  fmt.Sprintf(summarizePrompt, MaxNameLength, prompt),
		Model: s.Model,
	})
	if err != nil {
		return "", fmt.Errorf("send naming prompt: %w", err)
	}
	return resp.Content, nil
}

// ConnectingSummarizer connects a fresh backend for every summary and
// disconnects it afterwards.
type ConnectingSummarizer struct {
	New     func() (backend.Backend, error)
	Connect backend.ConnectConfig
	Model   *models.ModelSelection
}

// Summarize implements Summarizer.
func (s *ConnectingSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	b, err := s.New()
	if err != nil {
		return "", err
	}
	if err := b.Connect(ctx, s.Connect); err != nil {
		return "", fmt.Errorf("connect naming backend: %w", err)
	}
	defer b.Disconnect()

	inner := &BackendSummarizer{Backend: b, Directory: s.Connect.Directory, Model: s.Model}
	return inner.Summarize(ctx, prompt)
}
