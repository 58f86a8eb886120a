package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/graph/model"
	"github.com/dshills/medgraph/graph/model/anthropic"
	"github.com/dshills/medgraph/graph/model/google"
	"github.com/dshills/medgraph/graph/model/openai"
	"github.com/dshills/medgraph/graph/store"
	"github.com/dshills/medgraph/graph/tool"
	"github.com/dshills/medgraph/internal/config"
	"github.com/dshills/medgraph/internal/diagnosis"
	"github.com/dshills/medgraph/internal/predictor"
	"github.com/dshills/medgraph/internal/retrieval"
	"github.com/dshills/medgraph/internal/session"
)

// app holds the wired services of one process.
type app struct {
	cfg config.Config
	log *slog.Logger

	store      store.Store[diagnosis.State]
	events     *emit.BufferedEmitter
	sessions   *session.Service
	predictor  predictor.Predictor
	classifier predictor.ImageClassifier
	symptoms   []string
	registry   *prometheus.Registry

	closers []func(context.Context) error
}

// newApp builds every component selected by cfg. Close releases them.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer) (a *app, err error) {
	a = &app{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.store, err = a.openStore(); err != nil {
		return nil, err
	}

	chat, err := a.chatModel(ctx)
	if err != nil {
		return nil, err
	}

	var kb *retrieval.KnowledgeBase
	if needsKnowledgeBase(cfg) {
		if kb, err = retrieval.LoadKnowledgeBase(cfg.Retrieval.DataDir); err != nil {
			return nil, fmt.Errorf("load knowledge base: %w", err)
		}
		a.symptoms = kb.Vocabulary()
	}

	retriever, err := a.retriever(kb)
	if err != nil {
		return nil, err
	}
	var tools *tool.Registry
	if retriever != nil {
		if tools, err = retrieval.NewMedicalRegistry(retriever); err != nil {
			return nil, err
		}
	}

	if cfg.Predictor.URL != "" {
		a.predictor = predictor.NewHTTPPredictor(cfg.Predictor.URL, tool.NewHTTPTool())
	} else {
		a.predictor = predictor.NewKnowledgePredictor(kb)
	}
	if cfg.Predictor.ImageURL != "" {
		a.classifier = predictor.NewHTTPImageClassifier(cfg.Predictor.ImageURL, tool.NewHTTPTool())
	}

	emitter, err := a.emitter(traceOut)
	if err != nil {
		return nil, err
	}

	agents, err := diagnosis.NewAgents(diagnosis.AgentsConfig{
		Model:       chat,
		Retriever:   retriever,
		Tools:       tools,
		Logger:      logger,
		Metrics:     diagnosis.NewMetrics(a.registry),
		CallTimeout: cfg.LLM.CallTimeout,
	})
	if err != nil {
		return nil, err
	}
	engine, err := diagnosis.NewWorkflow(diagnosis.WorkflowConfig{
		Agents:      agents,
		Store:       a.store,
		Emitter:     emitter,
		Metrics:     graph.NewPrometheusMetrics(a.registry),
		NodeTimeout: cfg.Diagnosis.NodeTimeout,
		MaxAttempts: cfg.Diagnosis.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	a.sessions, err = session.New(session.Config{
		Engine:              engine,
		Store:               a.store,
		Predictor:           a.predictor,
		Logger:              logger,
		MaxQuestions:        cfg.Diagnosis.MaxQuestions,
		RoundCap:            cfg.Diagnosis.RoundCap,
		ConfidenceThreshold: cfg.Diagnosis.HighConfidenceThreshold,
		SessionTimeout:      cfg.Diagnosis.SessionTimeout,
		MaxConcurrent:       cfg.Diagnosis.MaxConcurrentSessions,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("medgraph ready",
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"store", cfg.Store.Driver,
		"retrieval", cfg.Retrieval.Backend,
		"remote_predictor", cfg.Predictor.URL != "",
		"tracing", cfg.Tracing.Enabled)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func needsKnowledgeBase(cfg config.Config) bool {
	if cfg.Retrieval.Backend == "memory" || cfg.Predictor.URL == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(cfg.Retrieval.DataDir, retrieval.DatasetFile))
	return err == nil
}

func (a *app) openStore() (store.Store[diagnosis.State], error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case "memory":
		return store.NewMemStore[diagnosis.State](), nil
	case "sqlite":
		st, err := store.NewSQLiteStore[diagnosis.State](sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.onClose(func(context.Context) error { return st.Close() })
		return st, nil
	case "mysql":
		st, err := store.NewMySQLStore[diagnosis.State](sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql store: %w", err)
		}
		a.onClose(func(context.Context) error { return st.Close() })
		return st, nil
	case "postgres":
		st, err := store.NewPostgresStore[diagnosis.State](sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.onClose(func(context.Context) error { return st.Close() })
		return st, nil
	case "badger":
		st, err := store.NewBadgerStore[diagnosis.State](store.BadgerConfig{Path: sc.Path, Logger: a.log})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		a.onClose(func(context.Context) error { return st.Close() })
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// offlineReply stands in for a model when none is configured. Every agent
// treats it as unusable output and takes its fallback path.
func offlineReply(context.Context, []model.Message) (model.ChatOut, error) {
	return model.ChatOut{Text: "{}", Model: "mock"}, nil
}

func (a *app) chatModel(ctx context.Context) (model.ChatModel, error) {
	lc := a.cfg.LLM
	mc := model.Config{Model: lc.Model, Temperature: lc.Temperature, MaxTokens: lc.MaxTokens, JSON: true}

	var chat model.ChatModel
	switch lc.Provider {
	case "google":
		m, err := google.NewChatModel(ctx, lc.APIKey, mc)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		a.onClose(func(context.Context) error { return m.Close() })
		chat = m
	case "anthropic":
		chat = anthropic.NewChatModel(lc.APIKey, mc)
	case "openai":
		chat = openai.NewChatModel(lc.APIKey, mc)
	case "mock":
		chat = &model.MockChatModel{Func: offlineReply}
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", lc.Provider)
	}

	if lc.RequestsPerSecond > 0 {
		chat = model.NewRateLimited(chat, lc.RequestsPerSecond, lc.Burst)
	}
	return chat, nil
}

func (a *app) retriever(kb *retrieval.KnowledgeBase) (retrieval.Retriever, error) {
	rc := a.cfg.Retrieval
	switch rc.Backend {
	case "memory":
		return retrieval.NewMemoryIndex(kb.Documents()...), nil
	case "weaviate":
		r, err := retrieval.NewWeaviateRetriever(retrieval.WeaviateConfig{URL: rc.URL, Class: rc.Class, APIKey: rc.APIKey})
		if err != nil {
			return nil, fmt.Errorf("connect weaviate: %w", err)
		}
		return r, nil
	case "http":
		var opts []tool.HTTPOption
		if rc.APIKey != "" {
			opts = append(opts, tool.WithHeader("Authorization", "Bearer "+rc.APIKey))
		}
		return retrieval.NewHTTPRetriever(rc.URL, tool.NewHTTPTool(opts...)), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", rc.Backend)
	}
}

// emitter fans engine events out to the session event history, the log
// and, when tracing is enabled, OpenTelemetry spans.
func (a *app) emitter(traceOut io.Writer) (emit.Emitter, error) {
	a.events = emit.NewBufferedEmitter(0)
	emitters := []emit.Emitter{a.events, emit.NewLogEmitter(a.log)}

	if a.cfg.Tracing.Enabled {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", a.cfg.Tracing.ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otelEmitter := emit.NewOTelEmitter(tp.Tracer("github.com/dshills/medgraph"))
		a.onClose(func(ctx context.Context) error {
			return errors.Join(otelEmitter.Flush(ctx), tp.Shutdown(ctx))
		})
		emitters = append(emitters, otelEmitter)
	}
	return emit.NewMultiEmitter(emitters...), nil
}
