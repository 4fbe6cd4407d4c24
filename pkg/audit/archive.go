// Cold-storage archival for the forensic chain, following the airgap
// package's cold-path pattern: a contiguous segment of the chain is
// sealed and shipped to S3-compatible object storage.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Segment is a sealed, contiguous slice of the chain ready for archival.
type Segment struct {
	FromSeq uint64  `json:"from_seq"`
	ToSeq   uint64  `json:"to_seq"`
	Entries []Entry `json:"entries"`
}

// Archiver uploads sealed segments to durable cold storage.
type Archiver interface {
	Archive(ctx context.Context, seg Segment) error
}

// S3Archiver uploads each segment as a single JSON object keyed by
// sequence range.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// Archive marshals the segment and uploads it under
// "<prefix>/<fromSeq>-<toSeq>.json".
func (a *S3Archiver) Archive(ctx context.Context, seg Segment) error {
	body, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("audit: marshal segment: %w", err)
	}
	key := fmt.Sprintf("%s/%020d-%020d.json", a.prefix, seg.FromSeq, seg.ToSeq)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("audit: put object %s: %w", key, err)
	}
	return nil
}

// RetentionSweeper seals a caller-chosen sequence range of committed
// entries and hands it to an Archiver. It does not run on a schedule,
// select entries by age, or read `audit.retention_days`; the caller
// decides which range to sweep. It does not delete from the primary
// Store — archived entries stay in the primary chain as well.
type RetentionSweeper struct {
	store    Store
	archiver Archiver
}

// NewRetentionSweeper wires a Store and Archiver together.
func NewRetentionSweeper(store Store, archiver Archiver) *RetentionSweeper {
	return &RetentionSweeper{store: store, archiver: archiver}
}

// SweepRange archives [from, to) as a single sealed segment.
func (r *RetentionSweeper) SweepRange(ctx context.Context, from, to uint64) error {
	entries, err := r.store.Range(ctx, from, to)
	if err != nil {
		return fmt.Errorf("audit: retention range fetch: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	seg := Segment{FromSeq: entries[0].Seq, ToSeq: entries[len(entries)-1].Seq, Entries: entries}
	return r.archiver.Archive(ctx, seg)
}
