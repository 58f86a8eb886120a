package httpapi

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/internal/predictor"
	"github.com/dshills/medgraph/internal/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSymptoms(w http.ResponseWriter, r *http.Request) {
	symptoms := s.cfg.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available_symptoms": symptoms,
		"count":              len(symptoms),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.cfg.Sessions.Start(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, res)
}

// answerRequest carries a batch of answers keyed by question id, or a
// single answer with its question id.
type answerRequest struct {
	Answers    map[string]string `json:"answers" validate:"required_without=Answer"`
	QuestionID string            `json:"question_id" validate:"required_with=Answer"`
	Answer     string            `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	answers := req.Answers
	if len(answers) == 0 {
		answers = map[string]string{req.QuestionID: req.Answer}
	}
	res, err := s.cfg.Sessions.Answer(r.Context(), chi.URLParam(r, "sessionID"), answers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, res)
}

// writeResult sends a session result. Execution failures keep the result
// shape so callers learn the session id they can retry with.
func writeResult(w http.ResponseWriter, res session.Result) {
	status := http.StatusOK
	if res.Type == session.TypeError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Sessions.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Sessions.ListActive(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_sessions": ids,
		"count":           len(ids),
	})
}

type eventView struct {
	Step   int                    `json:"step"`
	NodeID string                 `json:"node_id,omitempty"`
	Msg    string                 `json:"msg"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// handleEvents lists the engine events recorded for a session, optionally
// filtered by ?node= and ?msg=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is not enabled")
		return
	}
	id := chi.URLParam(r, "sessionID")
	filter := emit.HistoryFilter{
		NodeID: r.URL.Query().Get("node"),
		Msg:    r.URL.Query().Get("msg"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		step, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a step number")
			return
		}
		filter.MinStep = &step
	}

	events := s.cfg.Events.GetHistoryWithFilter(id, filter)
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{Step: e.Step, NodeID: e.NodeID, Msg: e.Msg, Meta: e.Meta})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"events":     views,
	})
}

type predictRequest struct {
	Symptoms []string `json:"symptoms" validate:"required,min=1,dive,required"`
}

type predictionView struct {
	Disease string `json:"disease"`
	predictor.Prediction
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "disease prediction is not configured")
		return
	}
	var req predictRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	preds, err := s.cfg.Predictor.Predict(r.Context(), req.Symptoms)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := make([]predictionView, 0, len(preds))
	for d, p := range preds {
		if p.Confidence == "" {
			p.Confidence = predictor.ConfidenceLabel(p.Probability)
		}
		views = append(views, predictionView{Disease: d, Prediction: p})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Probability != views[j].Probability {
			return views[i].Probability > views[j].Probability
		}
		return views[i].Disease < views[j].Disease
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symptoms":    req.Symptoms,
		"predictions": views,
	})
}

func (s *Server) handleMalaria(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "image classification is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form with an image")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image uploaded")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read the uploaded image")
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "uploaded image is empty")
		return
	}

	s.log.Info("classifying image", "filename", header.Filename, "bytes", len(image))
	res, err := s.cfg.Classifier.Classify(r.Context(), image)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Message == "" {
		res.Message = predictor.ResultMessage(res.IsInfected)
	}
	writeJSON(w, http.StatusOK, res)
}
