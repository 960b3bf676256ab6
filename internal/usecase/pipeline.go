package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"conversation-agent/internal/domain"
)

const defaultHistoryWindow = 3

var errEmptyReply = errors.New("usecase: completion returned empty reply")

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// TurnStore is the part of the turn store the reply path writes through.
type TurnStore interface {
	SupersedePending(ctx context.Context, userID string) (int, error)
	InsertPending(ctx context.Context, userID, text string, now time.Time) (string, error)
	RecentHistory(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	CommitReply(ctx context.Context, id, response string, now time.Time) (bool, error)
	CommitError(ctx context.Context, id, message string, now time.Time) error
}

// Scheduler runs follow-up work off the reply path. TrySubmit must not block.
type Scheduler interface {
	TrySubmit(name string, task func(ctx context.Context) error) error
}

type Compactor interface {
	Evaluate(ctx context.Context, userID string) (Outcome, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type TurnInput struct {
	UserID     string
	Text       string
	ReplyToken string
}

// Pipeline handles one inbound user turn from arrival to reply delivery.
type Pipeline struct {
	params        ParamGetter
	llm           Completer
	store         TurnStore
	replier       Replier
	paramPrefix   string
	historyWindow int

	compactor Compactor
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

type PipelineOption func(*Pipeline)

// WithCompaction schedules compactor on scheduler after every committed reply.
func WithCompaction(compactor Compactor, scheduler Scheduler) PipelineOption {
	return func(p *Pipeline) {
		p.compactor = compactor
		p.scheduler = scheduler
	}
}

func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(p ParamGetter, llm Completer, s TurnStore, r Replier, paramPrefix string, historyWindow int, opts ...PipelineOption) (*Pipeline, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: replier must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	pl := &Pipeline{
		params:        p,
		llm:           llm,
		store:         s,
		replier:       r,
		paramPrefix:   paramPrefix,
		historyWindow: historyWindow,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl, nil
}

// HandleTurn records the turn, asks the completion service for a reply and
// commits it only if no newer turn superseded this one in the meantime.
// A superseded turn's reply is discarded without error.
func (p *Pipeline) HandleTurn(ctx context.Context, in TurnInput) error {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if strings.TrimSpace(in.Text) == "" {
		return newError(ErrorInvalidInput, "empty_text", nil)
	}
	log := p.logger.With("user_id", userID)

	n, err := p.store.SupersedePending(ctx, userID)
	if err != nil {
		return newError(ErrorStore, "supersede_error", err)
	}
	if n > 0 {
		log.Debug("superseded pending turns", "count", n)
	}

	history, err := p.store.RecentHistory(ctx, userID, p.historyWindow)
	if err != nil {
		return newError(ErrorStore, "history_error", err)
	}

	id, err := p.store.InsertPending(ctx, userID, in.Text, p.now())
	if err != nil {
		return newError(ErrorStore, "insert_error", err)
	}
	log = log.With("turn_id", id)

	persona, err := p.params.GetParameter(ctx, p.paramPrefix+"/persona_prompt")
	if err != nil {
		p.markErrored(ctx, log, id, err)
		return newError(ErrorUpstream, "ssm_load_error", err)
	}

	reply, err := p.llm.Complete(ctx, buildPromptMessages(persona, history, in.Text))
	reply = strings.TrimSpace(reply)
	if err == nil && reply == "" {
		err = errEmptyReply
	}
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok {
			log = log.With("status", status)
		}
		p.markErrored(ctx, log, id, err)
		return newError(ErrorUpstream, "completion_error", err)
	}

	applied, err := p.store.CommitReply(ctx, id, reply, p.now())
	if err != nil {
		return newError(ErrorStore, "commit_error", err)
	}
	if !applied {
		log.Debug("turn superseded before commit, reply discarded")
		return nil
	}

	if err := p.replier.Reply(ctx, in.ReplyToken, reply); err != nil {
		log.Warn("reply delivery failed", "err", err)
	}

	p.scheduleCompaction(log, userID)
	return nil
}

func (p *Pipeline) markErrored(ctx context.Context, log *slog.Logger, id string, cause error) {
	log.Warn("turn failed", "err", cause)
	if err := p.store.CommitError(context.WithoutCancel(ctx), id, cause.Error(), p.now()); err != nil {
		log.Error("failed to record turn error", "err", err)
	}
}

func (p *Pipeline) scheduleCompaction(log *slog.Logger, userID string) {
	if p.compactor == nil || p.scheduler == nil {
		return
	}
	err := p.scheduler.TrySubmit("compaction:"+userID, func(ctx context.Context) error {
		_, err := p.compactor.Evaluate(ctx, userID)
		return err
	})
	if err != nil {
		log.Warn("compaction not scheduled", "err", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
