package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

func loadTestKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	kb, err := LoadKnowledgeBase("testdata/symptoms")
	require.NoError(t, err)
	return kb
}

func TestNormalizeSymptom(t *testing.T) {
	assert.Equal(t, "skin_rash", NormalizeSymptom(" Skin Rash "))
	assert.Equal(t, "high_fever", NormalizeSymptom("high_fever"))
	assert.Equal(t, "runny_nose", NormalizeSymptom("runny  _nose"))
	assert.Equal(t, "", NormalizeSymptom("   "))
}

func TestLoadKnowledgeBase(t *testing.T) {
	kb := loadTestKB(t)

	diseases := kb.Diseases()
	require.Len(t, diseases, 4)
	assert.Equal(t, "Malaria", diseases[0].Name)

	malaria, ok := kb.Disease("malaria")
	require.True(t, ok)
	assert.Equal(t, []string{"chills", "vomiting", "high_fever", "sweating", "headache", "nausea"}, malaria.Symptoms)
	assert.Contains(t, malaria.Description, "Plasmodium")
	assert.Equal(t, []string{"Consult nearest hospital", "avoid oily food", "avoid non veg food", "keep mosquitos out"}, malaria.Precautions)

	cold, ok := kb.Disease("Common Cold")
	require.True(t, ok)
	assert.Contains(t, cold.Description, "upper respiratory tract")

	assert.Equal(t, 7, kb.Weight("High Fever"))
	assert.Equal(t, 1, kb.Weight("unknown_symptom"))
	assert.Contains(t, kb.Vocabulary(), "joint_pain")

	_, ok = kb.Disease("Flu")
	assert.False(t, ok)
}

func TestLoadKnowledgeBase_Errors(t *testing.T) {
	_, err := LoadKnowledgeBase(t.TempDir())
	require.Error(t, err, "dataset.csv is required")
}

func TestKnowledgeBase_Documents(t *testing.T) {
	kb := NewKnowledgeBase([]Disease{
		{Name: "Flu", Description: "Viral infection", Symptoms: []string{"Cough", "cough", "fever"}, Precautions: []string{"rest"}},
		{Name: "Bare", Symptoms: []string{"itching"}},
	}, map[string]int{"Cough": 4})

	docs := kb.Documents()
	require.Len(t, docs, 4)
	assert.Equal(t, "Disease: Flu\nDescription: Viral infection", docs[0].Content)
	assert.Equal(t, "Disease: Flu\nSymptoms: cough, fever", docs[1].Content)
	assert.Equal(t, "precaution", docs[2].Metadata["source"])
	assert.Equal(t, "Bare", docs[3].Disease())
	assert.Equal(t, 4, kb.Weight("cough"))
}

func TestMemoryIndex_Search(t *testing.T) {
	idx := NewMemoryIndex(loadTestKB(t).Documents()...)
	ctx := context.Background()

	docs, err := idx.Search(ctx, "Disease: Malaria symptoms", 3)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "Malaria", docs[0].Disease())
	assert.Equal(t, "dataset", docs[0].Metadata["source"])

	docs, err = idx.Search(ctx, "Disease: Dengue precautions", 2)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "precaution", docs[0].Metadata["source"])
	assert.Equal(t, "Dengue", docs[0].Disease())

	docs, err = idx.Search(ctx, "zzz qqq", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = idx.Search(ctx, "the of and", 5)
	require.NoError(t, err)
	assert.Empty(t, docs, "stop words alone match nothing")

	docs, err = idx.Search(ctx, "disease", 0)
	require.NoError(t, err)
	assert.Len(t, docs, DefaultK)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = idx.Search(cancelled, "malaria", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormat(t *testing.T) {
	out := Format([]Document{
		{Content: "a", Metadata: map[string]string{"source": "dataset"}},
		{Content: "b"},
	})
	assert.Equal(t, "Source: dataset\nContent: a\n---\nSource: unknown\nContent: b\n---\n", out)
}

type fakeNearText struct {
	resp     *models.GraphQLResponse
	err      error
	class    string
	concepts []string
	limit    int
}

func (f *fakeNearText) nearText(_ context.Context, class string, _ []graphql.Field, concepts []string, limit int) (*models.GraphQLResponse, error) {
	f.class, f.concepts, f.limit = class, concepts, limit
	return f.resp, f.err
}

func TestWeaviateRetriever(t *testing.T) {
	fake := &fakeNearText{resp: &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				DefaultWeaviateClass: []interface{}{
					map[string]interface{}{
						"content":     "Disease: Malaria\nSymptoms: chills",
						"source":      "dataset",
						"disease":     "Malaria",
						"_additional": map[string]interface{}{"distance": 0.12},
					},
					map[string]interface{}{"content": ""},
					"garbage",
				},
			},
		},
	}}
	w := newWeaviateRetriever(fake, "")

	docs, err := w.Search(context.Background(), "malaria", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Malaria", docs[0].Disease())
	assert.Equal(t, "0.1200", docs[0].Metadata["distance"])
	assert.Equal(t, DefaultWeaviateClass, fake.class)
	assert.Equal(t, []string{"malaria"}, fake.concepts)
	assert.Equal(t, DefaultK, fake.limit)

	fake.resp = &models.GraphQLResponse{Errors: []*models.GraphQLError{{Message: "class not found"}}}
	_, err = w.Search(context.Background(), "malaria", 2)
	assert.ErrorContains(t, err, "class not found")

	fake.err = errors.New("connection refused")
	_, err = w.Search(context.Background(), "malaria", 2)
	assert.ErrorContains(t, err, "connection refused")

	fake.err = nil
	fake.resp = &models.GraphQLResponse{Data: map[string]models.JSONObject{}}
	docs, err = w.Search(context.Background(), "malaria", 2)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestNewWeaviateRetriever_RequiresURL(t *testing.T) {
	_, err := NewWeaviateRetriever(WeaviateConfig{})
	assert.Error(t, err)
}

func TestHTTPRetriever(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
			K     int    `json:"k"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Query == "fail" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"documents": []Document{
				{Content: "one " + req.Query},
				{Content: "two"},
				{Content: "three"},
			},
		})
	}))
	defer server.Close()

	r := NewHTTPRetriever(server.URL, nil)
	docs, err := r.Search(context.Background(), "fever", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "one fever", docs[0].Content)

	_, err = r.Search(context.Background(), "fail", 2)
	assert.ErrorContains(t, err, "status 502")
}

func TestMedicalTools(t *testing.T) {
	idx := NewMemoryIndex(loadTestKB(t).Documents()...)
	reg, err := NewMedicalRegistry(idx)
	require.NoError(t, err)
	assert.Equal(t, []string{PrecautionsTool, KnowledgeSearchTool, SymptomMatcherTool}, reg.Names())

	ctx := context.Background()

	t.Run("knowledge search", func(t *testing.T) {
		out, err := reg.Call(ctx, KnowledgeSearchTool, map[string]interface{}{"query": "typhoid abdominal pain", "k": float64(1)})
		require.NoError(t, err)
		docs := out["documents"].([]Document)
		require.Len(t, docs, 1)
		assert.Equal(t, "Typhoid", docs[0].Disease())
		assert.Contains(t, out["text"], "Content: Disease: Typhoid")

		_, err = reg.Call(ctx, KnowledgeSearchTool, map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("symptom matcher", func(t *testing.T) {
		out, err := reg.Call(ctx, SymptomMatcherTool, map[string]interface{}{
			"disease":  "Malaria",
			"symptoms": []interface{}{"chills", "High Fever", "itching"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, out["matched_symptoms"])
		assert.Equal(t, 6, out["total_known_symptoms"])
		assert.InDelta(t, 33.33, out["match_score"].(float64), 0.01)

		out, err = reg.Call(ctx, SymptomMatcherTool, map[string]interface{}{
			"disease":  "Unknown Disease",
			"symptoms": []string{"chills"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0.0, out["match_score"])

		_, err = reg.Call(ctx, SymptomMatcherTool, map[string]interface{}{"disease": "Malaria"})
		assert.Error(t, err)
	})

	t.Run("precautions", func(t *testing.T) {
		out, err := reg.Call(ctx, PrecautionsTool, map[string]interface{}{"disease": "dengue"})
		require.NoError(t, err)
		assert.Equal(t, []string{"drink papaya leaf juice", "avoid fatty spicy food", "keep mosquitos away", "keep hydrated"}, out["precautions"])
	})

	t.Run("retriever failure", func(t *testing.T) {
		reg, err := NewMedicalRegistry(failingRetriever{})
		require.NoError(t, err)
		_, err = reg.Call(ctx, PrecautionsTool, map[string]interface{}{"disease": "Malaria"})
		assert.ErrorContains(t, err, "index offline")
	})
}

type failingRetriever struct{}

func (failingRetriever) Search(context.Context, string, int) ([]Document, error) {
	return nil, errors.New("index offline")
}
