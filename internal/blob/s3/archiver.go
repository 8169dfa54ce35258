package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quantara/perpbot/internal/domain"
)

// archiveBatchSize bounds how many trades one archive object holds.
const archiveBatchSize = 1000

// Archiver moves closed trades older than the retention window from the
// trade store into JSONL objects in the bucket. Rows are deleted only after
// their batch has been uploaded.
type Archiver struct {
	client *Client
	trades domain.TradeStore
	log    *slog.Logger

	retention time.Duration
	now       func() time.Time
}

// NewArchiver creates an archiver with the given retention window.
func NewArchiver(client *Client, trades domain.TradeStore, retentionDays int, log *slog.Logger) *Archiver {
	return &Archiver{
		client:    client,
		trades:    trades,
		log:       log.With("component", "archiver"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run archives all eligible trades in batches. It is safe to call on every
// loop pass; it is a no-op when nothing is older than the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().Add(-a.retention)

	for {
		batch, err := a.trades.ListClosedBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return fmt.Errorf("s3blob: list archivable trades: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		key := archiveKey(batch[0].ClosedAt, batch[len(batch)-1].ClosedAt)
		if err := a.upload(ctx, key, batch); err != nil {
			return err
		}

		// Delete only up to the last archived row, never past it.
		deleteCutoff := batch[len(batch)-1].ClosedAt.Add(time.Millisecond)
		if deleteCutoff.After(cutoff) {
			deleteCutoff = cutoff
		}
		removed, err := a.trades.DeleteBefore(ctx, deleteCutoff)
		if err != nil {
			return fmt.Errorf("s3blob: prune archived trades: %w", err)
		}
		a.log.Info("archived trade batch", "key", key, "trades", len(batch), "pruned", removed)

		if len(batch) < archiveBatchSize {
			return nil
		}
	}
}

// upload writes one batch as a JSONL object.
func (a *Archiver) upload(ctx context.Context, key string, trades []domain.TradeRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("s3blob: encode trade %s: %w", t.ID, err)
		}
	}

	_, err := a.client.S3().PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.Bucket()),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put archive %s: %w", key, err)
	}
	return nil
}

func archiveKey(first, last time.Time) string {
	return fmt.Sprintf("trades/%s/%s_%s.jsonl",
		first.Format("2006/01"),
		first.Format("20060102T150405Z"),
		last.Format("20060102T150405Z"),
	)
}
