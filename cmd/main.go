package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"conversation-agent/handler"
	dbpkg "conversation-agent/internal/db"
	"conversation-agent/internal/dispatch"
	"conversation-agent/internal/integrations/line"
	"conversation-agent/internal/integrations/openai"
	"conversation-agent/internal/integrations/paramstore"
	"conversation-agent/internal/repository"
	"conversation-agent/internal/usecase"
)

// Lambda allows roughly half a second between SIGTERM and the kill.
const shutdownGrace = 400 * time.Millisecond

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: envLevel("LOG_LEVEL")}))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	storeDriver := strings.ToLower(envOr("STORE_DRIVER", "dynamodb"))
	historyWindow := envInt("HISTORY_WINDOW", 3)
	compactionCfg := usecase.CompactionConfig{
		Window:          envInt("COMPACTION_WINDOW", 50),
		MaxHistoryChars: envInt("COMPACTION_MAX_HISTORY_CHARS", 500),
		TargetChars:     envInt("COMPACTION_TARGET_CHARS", 50),
		KeepUnits:       envInt("COMPACTION_KEEP_UNITS", 1),
	}
	maxInFlight := envInt("MAX_IN_FLIGHT", 64)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	params, err := paramstore.NewCache(ssmClient)
	if err != nil {
		slog.Error("failed to create parameter cache", "err", err)
		os.Exit(1)
	}

	store := mustStore(cfg, storeDriver)

	openaiClient, err := openai.NewClient(params, paramPrefix,
		openai.WithBaseURL(envOr("OPENAI_BASE_URL", "https://api.openai.com/v1")),
		openai.WithModel(os.Getenv("OPENAI_MODEL")),
	)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	lineClient, err := line.NewClient(params, paramPrefix, line.WithBaseURL(os.Getenv("LINE_API_BASE")))
	if err != nil {
		slog.Error("failed to create LINE client", "err", err)
		os.Exit(1)
	}

	// ---- Use cases ----
	dispatcher := dispatch.New(ctx, logger, maxInFlight)

	engine, err := usecase.NewEngine(store, openaiClient, compactionCfg, logger)
	if err != nil {
		slog.Error("failed to create compaction engine", "err", err)
		os.Exit(1)
	}

	pipeline, err := usecase.NewPipeline(params, openaiClient, store, lineClient, paramPrefix, historyWindow,
		usecase.WithCompaction(engine, dispatcher),
		usecase.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create turn pipeline", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(pipeline, dispatcher, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		shutdown(dispatcher, store)
	}))
}

// shutdown stops accepting work, gives running tasks a short grace period and
// closes the store when it holds a connection pool.
func shutdown(dispatcher *dispatch.Dispatcher, store repository.ReadWriter) {
	dispatcher.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := dispatcher.Wait(ctx); err != nil {
		slog.Warn("tasks still running at shutdown", "err", err)
	}
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close turn store", "err", err)
		}
	}
}

// mustStore builds the turn store selected by STORE_DRIVER.
func mustStore(cfg aws.Config, driver string) repository.ReadWriter {
	switch driver {
	case "dynamodb":
		store, err := repository.New(
			awsdynamodb.NewFromConfig(cfg),
			mustEnv("TURNS_TABLE"),
		)
		if err != nil {
			slog.Error("failed to create DynamoDB turn store", "err", err)
			os.Exit(1)
		}
		return store
	case "sqlite", "postgres":
		gormDB, err := dbpkg.OpenGorm(driver, os.Getenv("STORE_DSN"))
		if err != nil {
			slog.Error("failed to open database", "driver", driver, "err", err)
			os.Exit(1)
		}
		store, err := repository.NewGormStore(gormDB)
		if err != nil {
			slog.Error("failed to create SQL turn store", "driver", driver, "err", err)
			os.Exit(1)
		}
		return store
	default:
		slog.Error("unsupported STORE_DRIVER", "driver", driver)
		os.Exit(1)
	}
	return nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envLevel(key string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(envOr(key, "INFO"))); err != nil {
		return slog.LevelInfo
	}
	return level
}
