package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"conversation-agent/internal/domain"
	"conversation-agent/internal/repository"
)

const (
	defaultCompactionWindow   = 50
	defaultMaxHistoryChars    = 500
	defaultCompactTargetChars = 50
	defaultKeepUnits          = 1
)

// Reasons reported by Outcome when a compaction pass does nothing.
const (
	SkipInFlight    = "compaction_in_flight"
	SkipTooFewUnits = "too_few_units"
	SkipUnderBudget = "under_budget"
	SkipSplitBatch  = "split_batch"
	SkipNoHistory   = "no_history"
)

// CompactionStore is the part of the turn store the compaction engine uses.
type CompactionStore interface {
	RecentHistory(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	MarkCompacting(ctx context.Context, ids []string, now time.Time) error
	UnmarkCompacting(ctx context.Context, ids []string) error
	ReplaceBatch(ctx context.Context, userID string, oldIDs []string, newTurns []domain.Turn) error
}

// CompactionConfig tunes the engine. A zero field selects its default;
// NewEngine rejects negative values.
type CompactionConfig struct {
	// Window is how many of the user's most recent turns are scanned.
	Window int
	// MaxHistoryChars is the prefix size, in characters, above which
	// compaction runs.
	MaxHistoryChars int
	// TargetChars is the size the completion service is asked to stay under.
	TargetChars int
	// KeepUnits is how many of the newest conversation units stay verbatim.
	// The newest unit is always kept, so zero means the default of 1.
	KeepUnits int
}

func (c CompactionConfig) validate() error {
	switch {
	case c.Window < 0:
		return fmt.Errorf("usecase: compaction window must not be negative, got %d", c.Window)
	case c.MaxHistoryChars < 0:
		return fmt.Errorf("usecase: compaction max history chars must not be negative, got %d", c.MaxHistoryChars)
	case c.TargetChars < 0:
		return fmt.Errorf("usecase: compaction target chars must not be negative, got %d", c.TargetChars)
	case c.KeepUnits < 0:
		return fmt.Errorf("usecase: compaction keep units must not be negative, got %d", c.KeepUnits)
	}
	return nil
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.Window <= 0 {
		c.Window = defaultCompactionWindow
	}
	if c.MaxHistoryChars <= 0 {
		c.MaxHistoryChars = defaultMaxHistoryChars
	}
	if c.TargetChars <= 0 {
		c.TargetChars = defaultCompactTargetChars
	}
	if c.KeepUnits <= 0 {
		c.KeepUnits = defaultKeepUnits
	}
	return c
}

// Plan is the prefix of a user's history selected for compaction.
type Plan struct {
	Prefix []domain.Turn
	Chars  int
}

func (p Plan) IDs() []string {
	ids := make([]string, len(p.Prefix))
	for i, t := range p.Prefix {
		ids[i] = t.ID
	}
	return ids
}

type Outcome struct {
	Compacted  bool
	SkipReason string
	Removed    int
	Inserted   int
}

// Engine replaces old, resolved turns with a short summary produced by the
// completion service. At most one pass runs per user in this process; the
// persisted marker guards against other processes.
type Engine struct {
	store  CompactionStore
	llm    Completer
	cfg    CompactionConfig
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
}

func NewEngine(s CompactionStore, llm Completer, cfg CompactionConfig, logger *slog.Logger) (*Engine, error) {
	if s == nil {
		return nil, errors.New("usecase: compaction store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		llm:    llm,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Plan reports the prefix that a pass over turns would compact.
func (e *Engine) Plan(turns []domain.Turn) (Plan, bool) {
	plan, reason := e.plan(turns)
	return plan, reason == ""
}

func (e *Engine) plan(turns []domain.Turn) (Plan, string) {
	if len(turns) == 0 {
		return Plan{}, SkipNoHistory
	}
	var boundaries []int
	for i, t := range turns {
		if t.CompactionInFlight != nil {
			return Plan{}, SkipInFlight
		}
		if t.Replied() {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) <= e.cfg.KeepUnits {
		return Plan{}, SkipTooFewUnits
	}
	cut := boundaries[len(boundaries)-e.cfg.KeepUnits-1]
	prefix := turns[:cut+1]

	// Synthetic turns inherit the last prefix turn's CreatedAt. A kept turn
	// with the same CreatedAt would lose its place relative to them.
	if cut+1 < len(turns) && turns[cut+1].CreatedAt.Equal(prefix[cut].CreatedAt) {
		return Plan{}, SkipSplitBatch
	}

	chars := 0
	for _, m := range historyMessages(prefix) {
		chars += utf8.RuneCountInString(m.Content)
	}
	if chars <= e.cfg.MaxHistoryChars {
		return Plan{}, SkipUnderBudget
	}
	return Plan{Prefix: prefix, Chars: chars}, ""
}

// Evaluate compacts userID's history if it is eligible. Concurrent calls for
// the same user share one pass.
func (e *Engine) Evaluate(ctx context.Context, userID string) (Outcome, error) {
	v, err, _ := e.group.Do(userID, func() (any, error) {
		return e.evaluate(ctx, userID)
	})
	out, _ := v.(Outcome)
	return out, err
}

func (e *Engine) evaluate(ctx context.Context, userID string) (Outcome, error) {
	log := e.logger.With("user_id", userID)

	turns, err := e.store.RecentHistory(ctx, userID, e.cfg.Window)
	if err != nil {
		return Outcome{}, newError(ErrorStore, "history_error", err)
	}
	plan, reason := e.plan(turns)
	if reason != "" {
		log.Debug("compaction skipped", "reason", reason)
		return Outcome{SkipReason: reason}, nil
	}

	ids := plan.IDs()
	if err := e.store.MarkCompacting(ctx, ids, e.now()); err != nil {
		if errors.Is(err, repository.ErrCompactionInFlight) {
			log.Debug("compaction skipped", "reason", SkipInFlight)
			return Outcome{SkipReason: SkipInFlight}, nil
		}
		return Outcome{}, newError(ErrorStore, "mark_error", err)
	}
	log.Info("compacting history", "turns", len(ids), "chars", plan.Chars)

	messages := append(historyMessages(plan.Prefix), domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: compactionInstruction(e.cfg.TargetChars),
	})
	raw, err := e.llm.Complete(ctx, messages)
	if err != nil {
		e.release(ctx, log, ids)
		return Outcome{}, newError(ErrorCompaction, "completion_error", err)
	}
	pairs, err := parseCompacted(raw)
	if err != nil {
		e.release(ctx, log, ids)
		return Outcome{}, newError(ErrorCompaction, "malformed_response", err)
	}

	synthetic := syntheticTurns(userID, plan.Prefix[len(plan.Prefix)-1], pairs)
	if err := e.store.ReplaceBatch(ctx, userID, ids, synthetic); err != nil {
		e.release(ctx, log, ids)
		return Outcome{}, newError(ErrorStore, "replace_error", err)
	}

	log.Info("history compacted", "removed", len(ids), "inserted", len(synthetic))
	return Outcome{Compacted: true, Removed: len(ids), Inserted: len(synthetic)}, nil
}

// release clears the marker so a later pass can retry. It runs even when ctx
// is already cancelled.
func (e *Engine) release(ctx context.Context, log *slog.Logger, ids []string) {
	if err := e.store.UnmarkCompacting(context.WithoutCancel(ctx), ids); err != nil {
		log.Error("failed to release compaction marker", "err", err, "turns", len(ids))
	}
}

func syntheticTurns(userID string, last domain.Turn, pairs []compactedPair) []domain.Turn {
	updated := last.CreatedAt
	if last.UpdatedAt != nil {
		updated = *last.UpdatedAt
	}
	out := make([]domain.Turn, len(pairs))
	for i, p := range pairs {
		u := updated
		out[i] = domain.Turn{
			UserID:    userID,
			Text:      p.User,
			Response:  p.Assistant,
			Status:    domain.TurnReplied,
			CreatedAt: last.CreatedAt,
			UpdatedAt: &u,
			Seq:       i,
		}
	}
	return out
}
