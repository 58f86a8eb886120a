package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/medgraph/internal/diagnosis"
	"github.com/dshills/medgraph/internal/session"
)

const dataDir = "../../internal/retrieval/testdata/symptoms"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func offlineConfig(t *testing.T) string {
	return writeConfig(t, `
llm:
  provider: mock
store:
  driver: memory
retrieval:
  backend: memory
  data_dir: `+dataDir+`
logging:
  level: error
`)
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateConfig(t *testing.T) {
	out, err := run(t, "", "validate-config", "--config", offlineConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")

	bad := writeConfig(t, `
llm:
  provider: anthropic
  api_key: ""
store:
  driver: postgres
retrieval:
  backend: none
  data_dir: `+dataDir+`
`)
	t.Setenv("ANTHROPIC_API_KEY", "")
	out, err = run(t, "", "validate-config", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, out, "requires a DSN")
}

func TestLoadConfigError(t *testing.T) {
	_, err := run(t, "", "validate-config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestDiagnose_Offline(t *testing.T) {
	out, err := run(t, "", "diagnose", "--config", offlineConfig(t),
		"--symptom", "chills", "--symptom", "vomiting", "--symptom", "high_fever", "--symptom", "sweating",
		"--max-questions", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Predictions:")
	assert.Contains(t, out, "Malaria")
}

func TestDiagnose_RequiresSymptom(t *testing.T) {
	_, err := run(t, "", "diagnose", "--config", offlineConfig(t))
	require.Error(t, err)
}

func TestSessionsList_Empty(t *testing.T) {
	out, err := run(t, "", "sessions", "list", "--config", offlineConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "no sessions")
}

type scriptedSessions struct {
	rounds  [][]diagnosis.Question
	answers []map[string]string
}

func (s *scriptedSessions) next() session.Result {
	if len(s.answers) < len(s.rounds) {
		return session.Result{
			Type:      session.TypeQuestion,
			SessionID: "s1",
			Questions: s.rounds[len(s.answers)],
			Progress:  &session.Progress{QuestionsAsked: len(s.answers) + 1, MaxQuestions: 3},
		}
	}
	return session.Result{
		Type:      session.TypeDiagnosis,
		SessionID: "s1",
		Predictions: []session.PredictionResult{
			{Disease: "Malaria", Probability: 0.7, Confidence: "Medium", Explanation: "fits"},
		},
		Summary: &session.Summary{
			TopPrediction:  &session.TopPrediction{Disease: "Malaria", Probability: 0.7},
			Recommendation: session.RecommendModerate,
		},
	}
}

func (s *scriptedSessions) Start(context.Context, session.StartRequest) (session.Result, error) {
	return s.next(), nil
}

func (s *scriptedSessions) Answer(_ context.Context, id string, answers map[string]string) (session.Result, error) {
	if id != "s1" {
		return session.Result{}, errors.New("unexpected session")
	}
	s.answers = append(s.answers, answers)
	return s.next(), nil
}

func TestConverse(t *testing.T) {
	fake := &scriptedSessions{rounds: [][]diagnosis.Question{
		{{ID: "q1", QuestionText: "Do you have chills?"}, {ID: "q2", QuestionText: "Any rash?"}},
		{{ID: "q3", QuestionText: "Travelled recently?"}},
	}}
	var out bytes.Buffer
	res, err := converse(context.Background(), fake, session.StartRequest{Symptoms: []string{"fever"}},
		strings.NewReader("yes\n\nyes, to Kenya\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, session.TypeDiagnosis, res.Type)
	require.Len(t, fake.answers, 2)
	assert.Equal(t, map[string]string{"q1": "yes"}, fake.answers[0])
	assert.Equal(t, map[string]string{"q3": "yes, to Kenya"}, fake.answers[1])
	assert.Contains(t, out.String(), "Do you have chills?")
	assert.Contains(t, out.String(), "Questions 1 of 3")

	printDiagnosis(&out, res)
	assert.Contains(t, out.String(), "1. Malaria  70% (Medium)")
	assert.Contains(t, out.String(), session.RecommendModerate)
}

func TestConverse_InputClosed(t *testing.T) {
	fake := &scriptedSessions{rounds: [][]diagnosis.Question{
		{{ID: "q1", QuestionText: "Do you have chills?"}, {ID: "q2", QuestionText: "Any rash?"}},
	}}
	_, err := converse(context.Background(), fake, session.StartRequest{}, strings.NewReader("yes\n"), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input closed")
}
