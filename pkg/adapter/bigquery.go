package adapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/model"
	"google.golang.org/api/googleapi"
)

// BigQuery exports session result records to a BigQuery table
type BigQuery interface {
	// EnsureTable creates the result table when it does not exist
	EnsureTable(ctx context.Context) error

	// Export streams one result record into the table
	Export(ctx context.Context, record *model.ResultRecord) error
}

type bigqueryClient struct {
	client    *bigquery.Client
	datasetID string
	tableID   string
	now       func() time.Time
}

// BigQueryOption is a functional option for BigQuery client
type BigQueryOption func(*bigqueryClient)

// WithBigQueryClock replaces the clock used for exported_at
func WithBigQueryClock(now func() time.Time) BigQueryOption {
	return func(bq *bigqueryClient) {
		bq.now = now
	}
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID, datasetID, tableID string, opts ...BigQueryOption) (BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	bq := &bigqueryClient{
		client:    client,
		datasetID: datasetID,
		tableID:   tableID,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(bq)
	}

	return bq, nil
}

type resultRow struct {
	UserID            string               `bigquery:"user_id"`
	SessionID         string               `bigquery:"session_id"`
	InitialPassRate   float64              `bigquery:"initial_pass_rate"`
	Reconstructed     bool                 `bigquery:"reconstructed"`
	AfterPassRate     bigquery.NullFloat64 `bigquery:"after_pass_rate"`
	AfterPassed       bigquery.NullInt64   `bigquery:"after_passed"`
	AfterQAPairsCount bigquery.NullInt64   `bigquery:"after_qa_pairs_count"`
	ExportedAt        time.Time            `bigquery:"exported_at"`
}

func newResultRow(record *model.ResultRecord, exportedAt time.Time) *resultRow {
	row := &resultRow{
		UserID:          record.UserID,
		SessionID:       record.SessionID,
		InitialPassRate: record.InitialPassRate,
		Reconstructed:   record.Reconstructed,
		ExportedAt:      exportedAt,
	}
	if after := record.AfterReconstruct; after != nil {
		row.AfterPassRate = bigquery.NullFloat64{Float64: after.PassRate, Valid: true}
		row.AfterPassed = bigquery.NullInt64{Int64: int64(after.Passed), Valid: true}
		row.AfterQAPairsCount = bigquery.NullInt64{Int64: int64(after.QAPairsCount), Valid: true}
	}
	return row
}

func (bq *bigqueryClient) table() *bigquery.Table {
	return bq.client.Dataset(bq.datasetID).Table(bq.tableID)
}

func (bq *bigqueryClient) EnsureTable(ctx context.Context) error {
	_, err := bq.table().Metadata(ctx)
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return goerr.Wrap(err, "failed to get table metadata", goerr.V("dataset", bq.datasetID), goerr.V("table", bq.tableID))
	}

	schema, err := bigquery.InferSchema(resultRow{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer result table schema")
	}

	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "exported_at",
		},
	}
	if err := bq.table().Create(ctx, meta); err != nil {
		return goerr.Wrap(err, "failed to create result table", goerr.V("dataset", bq.datasetID), goerr.V("table", bq.tableID))
	}
	return nil
}

func (bq *bigqueryClient) Export(ctx context.Context, record *model.ResultRecord) error {
	row := newResultRow(record, bq.now())
	if err := bq.table().Inserter().Put(ctx, row); err != nil {
		return goerr.Wrap(err, "failed to insert result record",
			goerr.V("dataset", bq.datasetID),
			goerr.V("table", bq.tableID),
			goerr.V("session_id", record.SessionID))
	}
	return nil
}

// ResultRowForTest is a test helper that exposes the exported row of a record
func ResultRowForTest(record *model.ResultRecord, exportedAt time.Time) map[string]any {
	row := newResultRow(record, exportedAt)
	return map[string]any{
		"user_id":              row.UserID,
		"session_id":           row.SessionID,
		"initial_pass_rate":    row.InitialPassRate,
		"reconstructed":        row.Reconstructed,
		"after_pass_rate":      row.AfterPassRate,
		"after_passed":         row.AfterPassed,
		"after_qa_pairs_count": row.AfterQAPairsCount,
		"exported_at":          row.ExportedAt,
	}
}
