package repository

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// OpenSearchRepository implements AuditRepository on an OpenSearch index.
type OpenSearchRepository struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchRepository creates a new OpenSearch client for the audit index.
func NewOpenSearchRepository(cfg config.StorageConfig) (*OpenSearchRepository, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearchRepository{client: client, index: cfg.Index}, nil
}

func indexMapping() map[string]interface{} {
	keyword := map[string]string{"type": "keyword"}
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"id":         keyword,
				"timestamp":  map[string]string{"type": "date"},
				"event_type": keyword,
				"actor_key":  keyword,
				"user_id":    keyword,
				"ip_address": keyword,
				"endpoint":   keyword,
				"method":     keyword,
				"risk_level": keyword,
				"result":     keyword,
				"signature":  map[string]interface{}{"type": "keyword", "index": false},
				"metadata":   map[string]string{"type": "object"},
			},
		},
	}
}

// EnsureIndex creates the audit index with its mapping when it does not exist.
func (r *OpenSearchRepository) EnsureIndex(ctx context.Context) error {
	exists, err := r.client.Indices.Exists([]string{r.index}, r.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check audit index: %w", err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(indexMapping())
	if err != nil {
		return fmt.Errorf("failed to marshal index mapping: %w", err)
	}
	res, err := r.client.Indices.Create(r.index,
		r.client.Indices.Create.WithContext(ctx),
		r.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		// 400 is resource_already_exists_exception from a concurrent creator
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("opensearch error: %s - %s", res.Status(), string(msg))
	}
	return nil
}

// AppendEvents bulk indexes the batch using event IDs as document IDs.
func (r *OpenSearchRepository) AppendEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     r.client,
		Index:      r.index,
		NumWorkers: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		mu       sync.Mutex
		failed   int
		firstErr string
	)
	onFailure := func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed++
		if firstErr != "" {
			return
		}
		if err != nil {
			firstErr = err.Error()
		} else {
			firstErr = fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason)
		}
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
		}
		if err := bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: ev.ID,
			Body:       bytes.NewReader(data),
			OnFailure:  onFailure,
		}); err != nil {
			return fmt.Errorf("failed to add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close error: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("failed to index %d of %d audit events: %s", failed, len(events), firstErr)
	}
	return nil
}

// QueryEvents returns matching events, newest first.
func (r *OpenSearchRepository) QueryEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	bodyBytes, err := json.Marshal(buildSearchBody(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(bytes.NewReader(bodyBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(body))
	}
	return decodeSearchHits(res.Body)
}

func buildSearchBody(filter model.AuditFilter) map[string]interface{} {
	var must []map[string]interface{}
	term := func(field, value string) {
		must = append(must, map[string]interface{}{
			"term": map[string]string{field: value},
		})
	}

	if filter.ActorKey != "" {
		term("actor_key", filter.ActorKey)
	}
	if filter.EventType != "" {
		term("event_type", filter.EventType)
	}
	if filter.RiskLevel != "" {
		term("risk_level", string(filter.RiskLevel))
	}
	if filter.From != nil || filter.To != nil {
		rng := map[string]string{}
		if filter.From != nil {
			rng["gte"] = filter.From.UTC().Format(time.RFC3339Nano)
		}
		if filter.To != nil {
			rng["lte"] = filter.To.UTC().Format(time.RFC3339Nano)
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"timestamp": rng},
		})
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(must) > 0 {
		query = map[string]interface{}{
			"bool": map[string]interface{}{"filter": must},
		}
	}

	return map[string]interface{}{
		"query": query,
		"size":  queryLimit(filter.Limit),
		"sort": []map[string]interface{}{
			{"timestamp": map[string]string{"order": "desc"}},
		},
	}
}

func decodeSearchHits(body io.Reader) ([]model.AuditEvent, error) {
	var searchResult struct {
		Hits struct {
			Hits []struct {
				Source model.AuditEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	events := make([]model.AuditEvent, 0, len(searchResult.Hits.Hits))
	for _, hit := range searchResult.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, nil
}

// Ping checks cluster connectivity
func (r *OpenSearchRepository) Ping(ctx context.Context) error {
	res, err := r.client.Info(r.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

func (r *OpenSearchRepository) Close() error { return nil }
