package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/loomctl/loom/internal/store"
)

// Answer injects a clarification answer programmatically, as an
// alternative to writing the run's answer file. Safe to call at any
// time; the answer is consumed the next time the run suspends.
func (o *Orchestrator) Answer(text string) {
	select {
	case o.answerCh <- text:
	default:
		debugLog("answer channel full, dropping injected answer")
	}
}

// awaitAnswer blocks until a clarification answer arrives, from either
// the answer file (watched via fsnotify) or programmatic injection. The
// run stays suspended until ctx is cancelled; a question is never
// silently abandoned.
func (o *Orchestrator) awaitAnswer(ctx context.Context, st *store.Store, round int) (string, error) {
	// An answer may have been written while the round was still running.
	if answer, ok := st.ConsumeAnswer(round); ok {
		return strings.TrimSpace(answer), nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("watch for answer: %w", err)
	}
	defer watcher.Close()

	// Watch the run root: the answer file usually does not exist yet.
	if err := watcher.Add(st.Root()); err != nil {
		return "", fmt.Errorf("watch run root: %w", err)
	}

	answerName := filepath.Base(st.AnswerPath())
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case answer := <-o.answerCh:
			return strings.TrimSpace(answer), nil

		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("answer watcher closed")
			}
			if filepath.Base(event.Name) != answerName {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if answer, found := st.ConsumeAnswer(round); found {
				return strings.TrimSpace(answer), nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("answer watcher closed")
			}
			debugLog("answer watcher error: %v", err)
		}
	}
}
