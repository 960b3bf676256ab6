package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"conversation-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type TurnHandler interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) error
}

// Dispatcher runs turn tasks in the background and lets the handler wait
// for them before the invocation ends.
type Dispatcher interface {
	Submit(ctx context.Context, name string, task func(ctx context.Context) error) error
	Wait(ctx context.Context) error
}

type webhookBody struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type Handler struct {
	turns      TurnHandler
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewHandler(turns TurnHandler, d Dispatcher, logger *slog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn handler must not be nil")
	}
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{turns: turns, dispatcher: d, logger: logger}, nil
}

// Handle acknowledges a webhook delivery. Every text message becomes one
// background turn task; task outcomes never change the response. The
// invocation waits for its tasks because the runtime freezes once it returns.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	log := h.logger.With("correlation_id", correlationID)

	body, err := decodeBody(req)
	if err != nil {
		log.Warn("invalid webhook body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_body",
		}), nil
	}

	dispatched := 0
	for _, ev := range body.Events {
		if ev.Type != "message" || ev.Message.Type != "text" {
			log.Debug("ignoring webhook event", "type", ev.Type, "message_type", ev.Message.Type)
			continue
		}
		in := usecase.TurnInput{
			UserID:     ev.Source.UserID,
			Text:       ev.Message.Text,
			ReplyToken: ev.ReplyToken,
		}
		err := h.dispatcher.Submit(ctx, "turn:"+in.UserID, func(taskCtx context.Context) error {
			return h.turns.HandleTurn(taskCtx, in)
		})
		if err != nil {
			log.Error("failed to dispatch turn", "user_id", in.UserID, "err", err)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		start := time.Now()
		err := h.dispatcher.Wait(ctx)
		waited := time.Since(start)
		if err != nil {
			log.Warn("turn tasks still running at end of invocation", "tasks", dispatched, "wait_ms", waited.Milliseconds(), "err", err)
		} else {
			log.Info("turn tasks finished", "tasks", dispatched, "wait_ms", waited.Milliseconds())
		}
	}
	return jsonResponse(http.StatusOK, correlationID, struct{}{}), nil
}

func decodeBody(req events.APIGatewayProxyRequest) (webhookBody, error) {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return webhookBody{}, err
		}
		raw = decoded
	}
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return webhookBody{}, err
	}
	return body, nil
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(v)
	if err != nil {
		buf = []byte(`{}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
