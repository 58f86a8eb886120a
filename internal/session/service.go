// Package session runs diagnostic sessions on top of the diagnosis workflow:
// it starts runs, feeds answers back into suspended runs and formats their
// outcomes for callers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/graph/store"
	"github.com/dshills/medgraph/internal/diagnosis"
	"github.com/dshills/medgraph/internal/predictor"
)

var (
	// ErrInvalidInput reports a request the service cannot act on.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned while another call is executing the same
	// session.
	ErrSessionBusy = errors.New("session is busy")
)

// Defaults applied by New.
const (
	DefaultSessionTimeout = 5 * time.Minute
	DefaultMaxConcurrent  = 16
)

// StartRequest opens a diagnostic session.
type StartRequest struct {
	Symptoms           []string                        `json:"symptoms" validate:"required,min=1,dive,required"`
	PatientInfo        map[string]interface{}          `json:"patient_info,omitempty"`
	InitialPredictions map[string]diagnosis.Prediction `json:"initial_predictions,omitempty" validate:"omitempty,dive"`

	// MaxQuestions caps the clarifying questions; nil means the service
	// default and zero skips questioning.
	MaxQuestions *int `json:"max_questions,omitempty" validate:"omitempty,gte=0,lte=20"`

	// SessionID continues an existing session, or names a new one.
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// Config configures a Service.
type Config struct {
	Engine *graph.Engine[diagnosis.State]
	Store  store.Store[diagnosis.State]

	// Predictor supplies initial predictions when a request has none.
	Predictor predictor.Predictor

	Logger *slog.Logger

	MaxQuestions        int
	RoundCap            int
	ConfidenceThreshold float64

	SessionTimeout time.Duration
	MaxConcurrent  int64

	// Currency of the per-call cost report. Defaults to USD.
	Currency string

	NewID func() string
	Now   func() time.Time
}

// Service is safe for concurrent use. Calls for the same session are
// serialized; at most MaxConcurrent executions run at once.
//
// The per-session claim is held in process memory. A store must have a
// single Service writing to it; two servers sharing one SQL database can
// resume the same session twice.
type Service struct {
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
	slots    *semaphore.Weighted

	mu     sync.Mutex
	active map[string]struct{}
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxQuestions < 0 {
		cfg.MaxQuestions = 0
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "session"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		slots:    semaphore.NewWeighted(cfg.MaxConcurrent),
		active:   make(map[string]struct{}),
	}, nil
}

// Start opens a new session, or continues the one named by req.SessionID:
// a suspended session returns its open questions, a completed one its
// diagnosis, and a failed one is resumed where it stopped.
func (s *Service) Start(ctx context.Context, req StartRequest) (Result, error) {
	symptoms := cleanSymptoms(req.Symptoms)
	if len(symptoms) == 0 {
		return Result{}, fmt.Errorf("%w: at least one symptom is required", ErrInvalidInput)
	}
	req.Symptoms = symptoms
	if err := s.validate.Struct(req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id := req.SessionID
	if id == "" {
		id = s.cfg.NewID()
	}
	release, err := s.acquire(id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if req.SessionID != "" {
		cp, err := s.cfg.Store.LoadCheckpoint(ctx, id)
		switch {
		case err == nil:
			return s.continueExisting(ctx, cp)
		case !errors.Is(err, store.ErrNotFound):
			return Result{}, fmt.Errorf("load session %s: %w", id, err)
		}
	}

	predictions, err := s.initialPredictions(ctx, req)
	if err != nil {
		return Result{}, err
	}

	maxQuestions := s.cfg.MaxQuestions
	if req.MaxQuestions != nil {
		maxQuestions = *req.MaxQuestions
	}
	state := diagnosis.NewState(id, symptoms, req.PatientInfo, predictions, maxQuestions, s.cfg.Now())
	if s.cfg.RoundCap > 0 {
		state.RoundCap = s.cfg.RoundCap
	}
	if s.cfg.ConfidenceThreshold > 0 {
		state.ConfidenceThreshold = s.cfg.ConfidenceThreshold
	}

	s.log.Info("starting session", "session_id", id, "symptoms", len(symptoms),
		"predictions", len(predictions), "max_questions", maxQuestions)
	return s.execute(ctx, id, func(ctx context.Context) (graph.Outcome[diagnosis.State], error) {
		return s.cfg.Engine.Run(ctx, id, state)
	})
}

// Answer submits answers, keyed by question id, to a suspended session.
func (s *Service) Answer(ctx context.Context, sessionID string, answers map[string]string) (Result, error) {
	if sessionID == "" {
		return Result{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	cleaned := make(map[string]string, len(answers))
	for id, a := range answers {
		if a = strings.TrimSpace(a); a != "" {
			cleaned[strings.TrimSpace(id)] = a
		}
	}
	if len(cleaned) == 0 {
		return Result{}, fmt.Errorf("%w: at least one answer is required", ErrInvalidInput)
	}

	release, err := s.acquire(sessionID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	cp, err := s.load(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if cp.Status != store.StatusSuspended {
		return s.continueExisting(ctx, cp)
	}

	open := make(map[string]bool, len(cp.State.ClarifyingQuestions))
	for _, q := range cp.State.ClarifyingQuestions {
		open[q.ID] = true
	}
	var unknown []string
	for id := range cleaned {
		if !open[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == len(cleaned) {
		sort.Strings(unknown)
		return Result{}, fmt.Errorf("%w: no open question matches %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	for _, id := range unknown {
		delete(cleaned, id)
	}

	s.log.Info("answering session", "session_id", sessionID, "answers", len(cleaned), "ignored", len(unknown))
	return s.execute(ctx, sessionID, func(ctx context.Context) (graph.Outcome[diagnosis.State], error) {
		return s.cfg.Engine.Resume(ctx, sessionID, diagnosis.Answer(cleaned))
	})
}

// Status reports where a session stands.
type Status struct {
	SessionID    string          `json:"session_id"`
	Status       string          `json:"status"`
	PendingStep  string          `json:"pending_step,omitempty"`
	CurrentState diagnosis.State `json:"current_state"`
	Error        string          `json:"error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// StatusRunning marks a session that has recorded steps but no checkpoint
// yet, i.e. its first execution is still in flight.
const StatusRunning = "running"

// Status returns the stored state of a session.
func (s *Service) Status(ctx context.Context, sessionID string) (Status, error) {
	cp, err := s.cfg.Store.LoadCheckpoint(ctx, sessionID)
	if err == nil {
		return Status{
			SessionID:    sessionID,
			Status:       cp.Status,
			PendingStep:  cp.Pending,
			CurrentState: cp.State,
			Error:        cp.Error,
			UpdatedAt:    cp.UpdatedAt,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	latest, _, err := s.cfg.Store.LoadLatest(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return Status{SessionID: sessionID, Status: StatusRunning, CurrentState: latest}, nil
}

// ListActive returns the ids of sessions waiting for answers, most
// recently updated first.
func (s *Service) ListActive(ctx context.Context) ([]string, error) {
	infos, err := s.cfg.Store.ListCheckpoints(ctx, store.StatusSuspended)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.RunID)
	}
	return ids, nil
}

func (s *Service) continueExisting(ctx context.Context, cp store.Checkpoint[diagnosis.State]) (Result, error) {
	switch cp.Status {
	case store.StatusSuspended:
		return questionResult(cp.RunID, cp.State), nil
	case store.StatusCompleted:
		return diagnosisResult(cp.RunID, cp.State), nil
	default:
		s.log.Info("resuming failed session", "session_id", cp.RunID, "pending", cp.Pending, "error", cp.Error)
		return s.execute(ctx, cp.RunID, func(ctx context.Context) (graph.Outcome[diagnosis.State], error) {
			return s.cfg.Engine.Resume(ctx, cp.RunID, nil)
		})
	}
}

// execute runs one workflow call inside an executor slot. The call is
// detached from the caller's cancellation and bounded by SessionTimeout so a
// dropped client does not abandon a half-run session.
func (s *Service) execute(ctx context.Context, id string, call func(context.Context) (graph.Outcome[diagnosis.State], error)) (Result, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("wait for executor: %w", err)
	}
	defer s.slots.Release(1)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SessionTimeout)
	defer cancel()
	tracker := graph.NewCostTracker(id, s.cfg.Currency)
	runCtx = graph.WithCostTracker(runCtx, tracker)

	started := s.cfg.Now()
	out, err := call(runCtx)
	usage := usageOf(tracker)

	if err != nil {
		if errors.Is(err, graph.ErrRunNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		s.log.Error("session execution failed", "session_id", id, "pending", out.Pending, "error", err)
		res := errorResult(id, out.State, err)
		res.Usage = usage
		return res, nil
	}

	s.log.Info("session step finished", "session_id", id, "status", out.Status,
		"steps", out.Steps, "model_calls", usage.ModelCalls, "elapsed", s.cfg.Now().Sub(started))

	var res Result
	if out.Suspended() {
		res = questionResult(id, out.State)
	} else {
		res = diagnosisResult(id, out.State)
	}
	res.Usage = usage
	return res, nil
}

func (s *Service) load(ctx context.Context, id string) (store.Checkpoint[diagnosis.State], error) {
	cp, err := s.cfg.Store.LoadCheckpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return cp, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return cp, fmt.Errorf("load session %s: %w", id, err)
	}
	return cp, nil
}

// acquire claims the session for the calling goroutine.
func (s *Service) acquire(id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	s.active[id] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}, nil
}

func (s *Service) initialPredictions(ctx context.Context, req StartRequest) (map[string]diagnosis.Prediction, error) {
	if len(req.InitialPredictions) > 0 {
		out := make(map[string]diagnosis.Prediction, len(req.InitialPredictions))
		for d, p := range req.InitialPredictions {
			if p.Confidence == "" {
				p.Confidence = diagnosis.LabelForProbability(p.Probability)
			}
			out[d] = p
		}
		return out, nil
	}
	if s.cfg.Predictor == nil {
		return nil, nil
	}

	preds, err := s.cfg.Predictor.Predict(ctx, req.Symptoms)
	if err != nil {
		return nil, fmt.Errorf("initial predictions: %w", err)
	}
	out := make(map[string]diagnosis.Prediction, len(preds))
	for d, p := range preds {
		confidence := p.Confidence
		if confidence == "" {
			confidence = diagnosis.LabelForProbability(p.Probability)
		}
		out[d] = diagnosis.Prediction{
			Probability: p.Probability,
			Confidence:  confidence,
			Description: p.Description,
			Precautions: p.Precautions,
			Source:      "ml",
		}
	}
	return out, nil
}

func cleanSymptoms(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
