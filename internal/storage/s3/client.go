package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/tvoe/clipshare/internal/config"
)

const (
	// MinPartSize is the minimum part size for multipart upload (5MB)
	MinPartSize = 5 * 1024 * 1024
	// DefaultPartSize is the default part size (50MB)
	DefaultPartSize = 50 * 1024 * 1024
	// maxParts is the S3 limit on parts per upload
	maxParts = 10000
)

// Client wraps the S3 operations used by the artifact mirror
type Client struct {
	client     *s3.Client
	bucket     string
	maxRetries int
}

// New creates a new S3 client for an S3-compatible endpoint
func New(cfg config.S3Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Client{
		client:     client,
		bucket:     cfg.Bucket,
		maxRetries: 3,
	}, nil
}

// Bucket returns the mirror bucket
func (c *Client) Bucket() string {
	return c.bucket
}

// Upload uploads a file, using multipart upload for large files
func (c *Client) Upload(ctx context.Context, key, srcPath string) (*UploadResult, error) {
	file, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	contentType, err := detectContentType(file)
	if err != nil {
		return nil, err
	}

	size := stat.Size()
	if size < MinPartSize {
		return c.uploadSimple(ctx, key, contentType, file, size)
	}

	return c.uploadMultipart(ctx, key, contentType, file, size)
}

// uploadSimple uploads a small file in a single request
func (c *Client) uploadSimple(ctx context.Context, key, contentType string, file *os.File, size int64) (*UploadResult, error) {
	output, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload: %w", err)
	}

	return &UploadResult{
		Key:  key,
		ETag: aws.ToString(output.ETag),
		Size: size,
	}, nil
}

// uploadMultipart uploads a large file part by part, retrying each part
func (c *Client) uploadMultipart(ctx context.Context, key, contentType string, file *os.File, size int64) (*UploadResult, error) {
	createOutput, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := aws.ToString(createOutput.UploadId)
	partSize, partCount := partLayout(size)

	completedParts := make([]types.CompletedPart, 0, partCount)
	for partNum := int64(1); partNum <= partCount; partNum++ {
		offset := (partNum - 1) * partSize
		length := min(partSize, size-offset)

		etag, err := c.uploadPart(ctx, key, uploadID, int32(partNum), io.NewSectionReader(file, offset, length))
		if err != nil {
			c.abortMultipartUpload(ctx, key, uploadID)
			return nil, fmt.Errorf("failed to upload part %d: %w", partNum, err)
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       etag,
			PartNumber: aws.Int32(int32(partNum)),
		})
	}

	completeOutput, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		c.abortMultipartUpload(ctx, key, uploadID)
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return &UploadResult{
		Key:  key,
		ETag: aws.ToString(completeOutput.ETag),
		Size: size,
	}, nil
}

func (c *Client) uploadPart(ctx context.Context, key, uploadID string, partNum int32, body *io.SectionReader) (*string, error) {
	var lastErr error
	for retry := 0; retry < c.maxRetries; retry++ {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		output, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNum),
			Body:          body,
			ContentLength: aws.Int64(body.Size()),
		})
		if err == nil {
			return output.ETag, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(retry+1) * time.Second):
		}
	}
	return nil, lastErr
}

// abortMultipartUpload aborts a multipart upload
func (c *Client) abortMultipartUpload(ctx context.Context, key, uploadID string) {
	c.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
}

// Exists checks if an object exists
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object: %w", err)
	}
	return true, nil
}

// Health checks S3 connectivity
func (c *Client) Health(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	return err
}

// UploadResult holds the result of an upload operation
type UploadResult struct {
	Key  string
	ETag string
	Size int64
}

// partLayout picks a part size that keeps the upload within the S3 part limit
func partLayout(size int64) (partSize, partCount int64) {
	partSize = DefaultPartSize
	if size > partSize*maxParts {
		partSize = (size + maxParts - 1) / maxParts
	}
	partCount = (size + partSize - 1) / partSize
	return partSize, partCount
}

// detectContentType sniffs the file header and rewinds the file
func detectContentType(file *os.File) (string, error) {
	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind file: %w", err)
	}
	return mtype.String(), nil
}
