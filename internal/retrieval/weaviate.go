package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// DefaultWeaviateClass is the class holding medical passages.
const DefaultWeaviateClass = "MedicalDocument"

// WeaviateConfig configures a WeaviateRetriever.
type WeaviateConfig struct {
	// URL is the Weaviate endpoint, e.g. "http://localhost:8080" or a bare host.
	URL string

	// Class is the collection name. Defaults to DefaultWeaviateClass.
	Class string

	// APIKey is sent as a bearer token when set.
	APIKey string
}

// nearTextQuery runs one nearText GraphQL Get.
type nearTextQuery interface {
	nearText(ctx context.Context, class string, fields []graphql.Field, concepts []string, limit int) (*models.GraphQLResponse, error)
}

// WeaviateRetriever searches a vectorized Weaviate class with nearText.
// Objects carry the properties content, source and disease.
type WeaviateRetriever struct {
	query nearTextQuery
	class string
}

// NewWeaviateRetriever connects a retriever to cfg.URL.
func NewWeaviateRetriever(cfg WeaviateConfig) (*WeaviateRetriever, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("weaviate url is required")
	}

	clientCfg := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		clientCfg.Scheme = "https"
		clientCfg.Host = strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		clientCfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}
	clientCfg.Host = strings.TrimSuffix(clientCfg.Host, "/")
	if cfg.APIKey != "" {
		clientCfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}

	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return newWeaviateRetriever(&sdkQuery{client: client}, cfg.Class), nil
}

func newWeaviateRetriever(q nearTextQuery, class string) *WeaviateRetriever {
	if class == "" {
		class = DefaultWeaviateClass
	}
	return &WeaviateRetriever{query: q, class: class}
}

var weaviateFields = []graphql.Field{
	{Name: "content"},
	{Name: "source"},
	{Name: "disease"},
	{Name: "_additional { distance }"},
}

// Search implements Retriever.
func (w *WeaviateRetriever) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		k = DefaultK
	}
	result, err := w.query.nearText(ctx, w.class, weaviateFields, []string{query}, k)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", result.Errors[0].Message)
	}
	return parseWeaviateDocuments(result, w.class), nil
}

func parseWeaviateDocuments(result *models.GraphQLResponse, class string) []Document {
	docs := []Document{}
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return docs
	}
	objects, ok := get[class].([]interface{})
	if !ok {
		return docs
	}

	for _, obj := range objects {
		props, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		content, _ := props["content"].(string)
		if content == "" {
			continue
		}
		meta := map[string]string{}
		if s, ok := props["source"].(string); ok && s != "" {
			meta["source"] = s
		}
		if s, ok := props["disease"].(string); ok && s != "" {
			meta["disease"] = s
		}
		if add, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				meta["distance"] = fmt.Sprintf("%.4f", d)
			}
		}
		docs = append(docs, Document{Content: content, Metadata: meta})
	}
	return docs
}

type sdkQuery struct {
	client *weaviate.Client
}

func (s *sdkQuery) nearText(ctx context.Context, class string, fields []graphql.Field, concepts []string, limit int) (*models.GraphQLResponse, error) {
	nearText := s.client.GraphQL().NearTextArgBuilder().WithConcepts(concepts)
	return s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
}
