package engineinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the slice of *s3.Client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3StepArchiver writes each Advance batch of steps as one JSON Lines object
// under <prefix>/<conversation>/<first step id>.jsonl.
type S3StepArchiver struct {
	client objectPutter
	bucket string
	prefix string
}

var _ engine.StepArchiver = (*S3StepArchiver)(nil)

func NewS3StepArchiver(cfg config.ArchiveConfig) (*S3StepArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := s3.Options{Region: cfg.Region}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	return &S3StepArchiver{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *S3StepArchiver) Archive(ctx context.Context, id kernel.ConversationID, steps []engine.ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, step := range steps {
		if err := enc.Encode(step); err != nil {
			return errx.Wrap(err, "failed to encode step", errx.TypeInternal).
				WithDetail("step_id", step.ID.String())
		}
	}

	key := path.Join(a.prefix, id.String(), steps[0].ID.String()+".jsonl")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return errx.Wrap(err, "failed to archive steps", errx.TypeExternal).
			WithDetail("conversation_id", id.String()).
			WithDetail("key", key)
	}
	return nil
}
