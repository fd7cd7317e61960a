package reports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/recur/pkg/billing"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/reports")

// PutObjectAPI is the part of *s3.Client the archive needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive implements billing.ReportSink on S3.
type Archive struct {
	client PutObjectAPI
	bucket string
	prefix string
}

var _ billing.ReportSink = (*Archive)(nil)

// NewArchive creates an Archive writing to bucket under prefix.
func NewArchive(client PutObjectAPI, bucket, prefix string) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Archive{client: client, bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key of a report: <prefix>/<date>/<run_id>.json.
func (a *Archive) Key(r *billing.RunReport) string {
	return path.Join(a.prefix, r.Date.String(), r.RunID+".json")
}

// Publish implements billing.ReportSink.
func (a *Archive) Publish(ctx context.Context, r *billing.RunReport) error {
	key := a.Key(r)
	ctx, span := tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "PutObject"),
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode report")
		return fmt.Errorf("failed to encode report %s: %w", r.RunID, err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	hash := sha256.Sum256(data)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
			"run-id":          r.RunID,
			"dry-run":         fmt.Sprintf("%t", r.DryRun),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload report %s: %w", r.RunID, err)
	}

	span.SetStatus(codes.Ok, "report archived")
	return nil
}
