package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/promptledger/internal/canonical"
	"github.com/ILLUVRSE/promptledger/internal/models"
)

// Uploader is the part of manager.Uploader the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical JSON objects to
//
//	s3://<bucket>/<prefix>/executions/YYYY/MM/DD/<id>.json
//	s3://<bucket>/<prefix>/prompts/<name>/v<N>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys) and builds a managed uploader.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiverWithUploader(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func NewS3ArchiverWithUploader(bucket, prefix string, uploader Uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: uploader}
}

func (s *S3Archiver) ArchiveExecution(ctx context.Context, exec models.Execution) error {
	envelope := map[string]interface{}{
		"execution_id":        exec.ID.String(),
		"prompt_id":           exec.PromptID.String(),
		"prompt_name":         exec.PromptName,
		"version_id":          exec.VersionID.String(),
		"model_id":            exec.ModelID.String(),
		"environment":         exec.Environment,
		"execution_mode":      exec.Mode,
		"status":              exec.Status,
		"correlation_id":      exec.CorrelationID,
		"idempotency_key":     exec.IdempotencyKey,
		"rendered_prompt":     exec.RenderedPrompt,
		"response_text":       exec.ResponseText,
		"params":              exec.Params,
		"telemetry":           exec.Telemetry,
		"provider_request_id": exec.ProviderRequestID,
		"error_type":          exec.ErrorType,
		"error_message":       exec.ErrorMessage,
		"created_at":          exec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"started_at":          formatTime(exec.StartedAt),
		"completed_at":        formatTime(exec.CompletedAt),
	}
	return s.put(ctx, ExecutionKey(s.prefix, exec), envelope)
}

func (s *S3Archiver) ArchiveVersion(ctx context.Context, promptName string, version models.PromptVersion) error {
	envelope := map[string]interface{}{
		"prompt_name":     promptName,
		"prompt_id":       version.PromptID.String(),
		"version_id":      version.ID.String(),
		"version_number":  version.VersionNumber,
		"template_source": version.TemplateSource,
		"checksum_hash":   version.ChecksumHash,
		"status":          version.Status,
		"created_by":      version.CreatedBy,
		"created_at":      version.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return s.put(ctx, VersionKey(s.prefix, promptName, version), envelope)
}

func (s *S3Archiver) put(ctx context.Context, key string, envelope map[string]interface{}) error {
	body, err := canonical.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}
	digest, err := canonical.Digest(envelope)
	if err != nil {
		return fmt.Errorf("digest envelope: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata:             map[string]string{"canonical-sha256": digest},
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
