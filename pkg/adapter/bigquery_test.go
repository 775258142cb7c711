package adapter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/adapter"
	"github.com/m-mizutani/memaudit/pkg/model"
)

func TestResultRow(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	t.Run("reconstructed", func(t *testing.T) {
		row := adapter.ResultRowForTest(&model.ResultRecord{
			UserID:          "u1",
			SessionID:       "s1",
			InitialPassRate: 40,
			Reconstructed:   true,
			AfterReconstruct: &model.AfterReconstruct{
				PassRate:     80,
				Passed:       4,
				QAPairsCount: 5,
			},
		}, now)

		gt.Equal(t, row["user_id"], any("u1"))
		gt.Equal(t, row["initial_pass_rate"], any(40.0))
		gt.Equal(t, row["after_pass_rate"], any(bigquery.NullFloat64{Float64: 80, Valid: true}))
		gt.Equal(t, row["after_passed"], any(bigquery.NullInt64{Int64: 4, Valid: true}))
		gt.Equal(t, row["after_qa_pairs_count"], any(bigquery.NullInt64{Int64: 5, Valid: true}))
		gt.Equal(t, row["exported_at"], any(now))
	})

	t.Run("not reconstructed", func(t *testing.T) {
		row := adapter.ResultRowForTest(&model.ResultRecord{
			UserID:          "u1",
			SessionID:       "s1",
			InitialPassRate: 100,
		}, now)

		gt.Equal(t, row["reconstructed"], any(false))
		gt.Equal(t, row["after_pass_rate"], any(bigquery.NullFloat64{}))
		gt.Equal(t, row["after_passed"], any(bigquery.NullInt64{}))
	})
}

func TestBigQueryExport(t *testing.T) {
	projectID := os.Getenv("TEST_BIGQUERY_PROJECT")
	if projectID == "" {
		t.Skip("TEST_BIGQUERY_PROJECT is not set")
	}

	datasetID := os.Getenv("TEST_BIGQUERY_DATASET")
	if datasetID == "" {
		t.Skip("TEST_BIGQUERY_DATASET is not set")
	}

	table := os.Getenv("TEST_BIGQUERY_TABLE")
	if table == "" {
		t.Skip("TEST_BIGQUERY_TABLE is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewBigQuery(ctx, projectID, datasetID, table)
	gt.NoError(t, err)

	gt.NoError(t, client.EnsureTable(ctx))
	// second call finds the existing table
	gt.NoError(t, client.EnsureTable(ctx))

	err = client.Export(ctx, &model.ResultRecord{
		UserID:          "test-user",
		SessionID:       "test-session-" + time.Now().Format("20060102150405"),
		InitialPassRate: 60,
		Reconstructed:   true,
		AfterReconstruct: &model.AfterReconstruct{
			PassRate:     80,
			Passed:       4,
			QAPairsCount: 5,
		},
	})
	gt.NoError(t, err)
}
