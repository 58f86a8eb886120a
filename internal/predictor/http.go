package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/dshills/medgraph/graph/tool"
)

// HTTPPredictor calls a model server.
//
// Request:  POST {url} {"symptoms": ["fever", "cough"]}
// Response: {"predictions": {"Malaria": {"probability": 0.7, ...}}}
//
// A 422 response or a body with an "error" field and no predictions maps to
// ErrNoMatch.
type HTTPPredictor struct {
	url  string
	http tool.Tool
}

// NewHTTPPredictor creates a predictor for url. A nil t uses a default
// tool.HTTPTool.
func NewHTTPPredictor(url string, t tool.Tool) *HTTPPredictor {
	if t == nil {
		t = tool.NewHTTPTool()
	}
	return &HTTPPredictor{url: url, http: t}
}

// Predict implements Predictor.
func (h *HTTPPredictor) Predict(ctx context.Context, symptoms []string) (map[string]Prediction, error) {
	out, err := h.http.Call(ctx, map[string]interface{}{
		"method": "POST",
		"url":    h.url,
		"json":   map[string]interface{}{"symptoms": symptoms},
	})
	if err != nil {
		return nil, fmt.Errorf("predictor request: %w", err)
	}

	code, _ := out["status_code"].(int)
	body, _ := out["body"].(string)
	if code == http.StatusUnprocessableEntity {
		return nil, ErrNoMatch
	}
	if code >= 300 {
		return nil, fmt.Errorf("predictor returned status %d", code)
	}

	var resp struct {
		Predictions map[string]Prediction `json:"predictions"`
		Error       string                `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("decode predictor response: %w", err)
	}
	if len(resp.Predictions) == 0 {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoMatch, resp.Error)
		}
		return nil, ErrNoMatch
	}
	for name, p := range resp.Predictions {
		if math.IsNaN(p.Probability) || p.Probability < 0 || p.Probability > 1 {
			return nil, fmt.Errorf("predictor returned probability %v for %q, want a value in [0,1]", p.Probability, name)
		}
		if p.Confidence == "" {
			p.Confidence = ConfidenceLabel(p.Probability)
			resp.Predictions[name] = p
		}
	}
	return resp.Predictions, nil
}

// HTTPImageClassifier uploads an image as multipart field "image".
//
// Response: {"is_infected": true, "confidence": 0.93, "message": "..."}
type HTTPImageClassifier struct {
	url  string
	http tool.Tool
}

// NewHTTPImageClassifier creates a classifier for url. A nil t uses a
// default tool.HTTPTool.
func NewHTTPImageClassifier(url string, t tool.Tool) *HTTPImageClassifier {
	if t == nil {
		t = tool.NewHTTPTool()
	}
	return &HTTPImageClassifier{url: url, http: t}
}

// Classify implements ImageClassifier.
func (h *HTTPImageClassifier) Classify(ctx context.Context, image []byte) (ImageResult, error) {
	if len(image) == 0 {
		return ImageResult{}, errors.New("image is empty")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="image"`)
	hdr.Set("Content-Type", http.DetectContentType(image))
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return ImageResult{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return ImageResult{}, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ImageResult{}, fmt.Errorf("build upload: %w", err)
	}

	out, err := h.http.Call(ctx, map[string]interface{}{
		"method":       "POST",
		"url":          h.url,
		"raw":          buf.Bytes(),
		"content_type": mw.FormDataContentType(),
	})
	if err != nil {
		return ImageResult{}, fmt.Errorf("classifier request: %w", err)
	}
	if code, _ := out["status_code"].(int); code >= 300 {
		return ImageResult{}, fmt.Errorf("classifier returned status %d", code)
	}

	var res ImageResult
	body, _ := out["body"].(string)
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return ImageResult{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if res.Message == "" {
		res.Message = ResultMessage(res.IsInfected)
	}
	return res, nil
}
