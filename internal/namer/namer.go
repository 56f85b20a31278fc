// Package namer generates short loop titles from prompts.
//
// Naming is best effort: the summarizer races a timeout and any failure falls
// back to a deterministic name built from the prompt's leading words.
package namer

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/ShayCichocki/loopd/internal/logging"
)

const (
	// MaxNameLength bounds generated names, in runes.
	MaxNameLength = 50

	// heuristicWords is how many leading prompt words the fallback keeps.
	heuristicWords = 6

	// DefaultTimeout is used when the caller passes a non-positive timeout.
	DefaultTimeout = 10 * time.Second

	fallbackName = "untitled loop"
)

// ErrEmptyPrompt is returned for blank prompts.
var ErrEmptyPrompt = errors.New("prompt is empty")

// summarizePrompt asks for a short title. %d is the length bound, %s the task.
const summarizePrompt = `Generate a very short title (max %d chars) for this coding task.

Rules:
1. Start with a verb (Add, Fix, Update, Implement, Refactor, Test, etc.)
2. Omit articles and filler words
3. No quotes, markdown or punctuation

Task: %s

Respond with ONLY the title, nothing else.`

// Summarizer turns a task prompt into a short title.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, prompt string) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// GenerateLoopName returns a title for prompt. It only fails for blank
// prompts; a slow or failing summarizer yields HeuristicName(prompt).
func GenerateLoopName(ctx context.Context, s Summarizer, prompt string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	fallback := HeuristicName(prompt)
	if s == nil {
		return fallback, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		name, err := s.Summarize(ctx, prompt)
		done <- result{name, err}
	}()

	logger := logging.Component("namer")
	select {
	case <-ctx.Done():
		logger.Warn().Dur("timeout", timeout).Msg("name generation timed out, using heuristic name")
		return fallback, nil
	case r := <-done:
		if r.err != nil {
			logger.Warn().Err(r.err).Msg("name generation failed, using heuristic name")
			return fallback, nil
		}
		if name := Sanitize(r.name); name != "" {
			return name, nil
		}
		return fallback, nil
	}
}

// HeuristicName builds a title from the first words of the prompt's first
// non-blank line.
func HeuristicName(prompt string) string {
	var line string
	for _, l := range strings.Split(prompt, "\n") {
		if s := Sanitize(l); s != "" {
			line = s
			break
		}
	}
	words := strings.Fields(line)
	if len(words) > heuristicWords {
		words = words[:heuristicWords]
	}
	name := truncate(strings.Join(words, " "))
	if name == "" {
		return fallbackName
	}
	return name
}

// Sanitize strips quotes, markdown and punctuation other than '-', collapses
// whitespace and bounds the result to MaxNameLength runes at a word boundary.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return truncate(strings.Join(strings.Fields(b.String()), " "))
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxNameLength {
		return s
	}
	cut := string(runes[:MaxNameLength])
	// a cut landing on a space already ends a word
	if runes[MaxNameLength] != ' ' {
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimSpace(cut)
}
