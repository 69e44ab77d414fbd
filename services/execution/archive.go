package execution

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	gos3 "reconx/pkg/s3"
)

// S3Archiver stores terminal execution output as zstd-compressed objects so
// large captures survive outside the relational row.
type S3Archiver struct {
	client *gos3.Client
	bucket string
	logger *log.Logger
}

// NewS3Archiver wires the archiver against the provided bucket.
func NewS3Archiver(client *gos3.Client, bucket string, logger *log.Logger) (*S3Archiver, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &S3Archiver{client: client, bucket: bucket, logger: logger}, nil
}

// ArchiveOutput compresses and uploads the output. Archival is best-effort:
// failures are logged, never surfaced to the execution pipeline.
func (a *S3Archiver) ArchiveOutput(ctx context.Context, id uuid.UUID, output string) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		a.logger.Printf("ERROR archive %s: init zstd: %v", id, err)
		return
	}
	if _, err := enc.Write([]byte(output)); err != nil {
		enc.Close()
		a.logger.Printf("ERROR archive %s: compress: %v", id, err)
		return
	}
	if err := enc.Close(); err != nil {
		a.logger.Printf("ERROR archive %s: flush: %v", id, err)
		return
	}

	digest := sha256.Sum256(buf.Bytes())
	key := fmt.Sprintf("executions/%s/output.txt.zst", id)
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), hex.EncodeToString(digest[:])); err != nil {
		a.logger.Printf("ERROR archive %s: upload: %v", id, err)
		return
	}
	a.logger.Printf("INFO archived output for execution %s (%d bytes compressed)", id, buf.Len())
}
