package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/models"
)

// ElasticClient indexes ledger transactions and stock alerts for the ops
// search surface. Indexing failures never block the write path; callers log
// and continue.
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func (c *ElasticClient) index(ctx context.Context, indexName, docID string, doc map[string]interface{}) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal document")
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: docID,
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	return nil
}

// IndexTransaction indexes one ledger entry
func (c *ElasticClient) IndexTransaction(ctx context.Context, txn *models.Transaction, hospital *models.Hospital) error {
	doc := map[string]interface{}{
		"id":               txn.ID.String(),
		"hospital_id":      txn.HospitalID.String(),
		"hospital_code":    hospital.Code,
		"hospital_name":    hospital.Name,
		"hospital_city":    hospital.City,
		"blood_group":      txn.BloodGroup,
		"product_type":     txn.ProductType,
		"units_change":     txn.UnitsChange,
		"timestamp":        txn.Timestamp,
		"ingested_at":      txn.IngestedAt,
		"source_reference": txn.SourceReference,
	}

	indexName := config.FormatIndex(c.config, c.config.TransactionIndex)
	if err := c.index(ctx, indexName, txn.ID.String(), doc); err != nil {
		return err
	}

	log.Debug().Str("transaction_id", txn.ID.String()).Msg("transaction indexed")
	return nil
}

// IndexAlert indexes one stock alert
func (c *ElasticClient) IndexAlert(ctx context.Context, alert *models.StockAlert, hospital *models.Hospital) error {
	doc := map[string]interface{}{
		"id":            alert.ID.String(),
		"hospital_id":   alert.HospitalID.String(),
		"hospital_code": hospital.Code,
		"hospital_city": hospital.City,
		"blood_group":   alert.BloodGroup,
		"alert_level":   alert.AlertLevel,
		"threshold":     alert.Threshold,
		"current_units": alert.CurrentUnits,
		"triggered_at":  alert.TriggeredAt,
	}

	indexName := config.FormatIndex(c.config, c.config.AlertIndex)
	if err := c.index(ctx, indexName, alert.ID.String(), doc); err != nil {
		return err
	}

	log.Debug().Str("alert_id", alert.ID.String()).Msg("alert indexed")
	return nil
}

// SearchTransactions searches indexed ledger entries with a raw query
func (c *ElasticClient) SearchTransactions(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.TransactionIndex)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}
	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		if source, ok := hitMap["_source"].(map[string]interface{}); ok {
			docs = append(docs, source)
		}
	}

	return docs, nil
}
