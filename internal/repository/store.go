package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conversation-agent/internal/domain"
)

var (
	// ErrNotFound is returned when a turn id does not exist.
	ErrNotFound = errors.New("turn not found")
	// ErrCompactionInFlight is returned by MarkCompacting when another
	// compaction batch already holds one of the turns.
	ErrCompactionInFlight = errors.New("compaction already in flight")
)

// timeLayout is fixed width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ReadWriter is the turn store contract implemented by Client and GormStore.
type ReadWriter interface {
	SupersedePending(ctx context.Context, userID string) (int, error)
	InsertPending(ctx context.Context, userID, text string, now time.Time) (string, error)
	RecentHistory(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	CommitReply(ctx context.Context, id, response string, now time.Time) (bool, error)
	CommitError(ctx context.Context, id, message string, now time.Time) error
	MarkCompacting(ctx context.Context, ids []string, now time.Time) error
	UnmarkCompacting(ctx context.Context, ids []string) error
	ReplaceBatch(ctx context.Context, userID string, oldIDs []string, newTurns []domain.Turn) error
}

var (
	_ ReadWriter = (*Client)(nil)
	_ ReadWriter = (*GormStore)(nil)
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// sortKey orders a user's turns by creation time, then batch position, then
// a unique suffix.
func sortKey(createdAt time.Time, seq int, suffix string) string {
	return fmt.Sprintf("%s#%04d#%s", formatTime(createdAt), seq, suffix)
}

const turnIDSep = "/"

func turnID(userID, sk string) string {
	return userID + turnIDSep + sk
}

// splitTurnID splits on the last separator; sort keys never contain one.
func splitTurnID(id string) (userID, sk string, err error) {
	i := strings.LastIndex(id, turnIDSep)
	if i <= 0 || i == len(id)-len(turnIDSep) {
		return "", "", fmt.Errorf("malformed turn id %q: %w", id, ErrNotFound)
	}
	return id[:i], id[i+len(turnIDSep):], nil
}

var newID = func() string {
	return uuid.NewString()
}
