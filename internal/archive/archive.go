package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("match not archived")
	// ErrArchived means a final state for the match was already saved.
	ErrArchived    = errors.New("match already archived")
	ErrNotFinished = errors.New("match not finished")
)

// Archive keeps the final state of finished matches after they leave memory.
type Archive interface {
	Save(ctx context.Context, final engine.State) error
	Get(ctx context.Context, matchID string) (engine.State, error)
	Close() error
}

// Open picks an implementation from the URL scheme. An empty URL keeps everything
// in memory.
func Open(ctx context.Context, url string, logger *zap.Logger) (Archive, error) {
	switch {
	case url == "":
		logger.Info("using in-memory archive")
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewGorm(ctx, url, logger)
	default:
		return nil, fmt.Errorf("unsupported archive url scheme: %q", url)
	}
}

type Memory struct {
	mu      sync.RWMutex
	matches map[string]engine.State
}

func NewMemory() *Memory {
	return &Memory{matches: make(map[string]engine.State)}
}

func (m *Memory) Save(_ context.Context, final engine.State) error {
	if final.Status != engine.StatusFinished {
		return fmt.Errorf("save %s: status %s: %w", final.MatchID, final.Status, ErrNotFinished)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[final.MatchID]; ok {
		return fmt.Errorf("save %s: %w", final.MatchID, ErrArchived)
	}
	m.matches[final.MatchID] = final.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, matchID string) (engine.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.matches[matchID]
	if !ok {
		return engine.State{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) Close() error { return nil }
