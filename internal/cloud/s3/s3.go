// Package s3 provides the S3/MinIO-compatible blob store provider for
// cloud sync. Objects live under <prefix>/<workspace-relative path>.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/diaryx-org/diaryx-go/internal/cloud"
)

// Options configures a provider instance. Endpoint and ForcePathStyle
// support S3-compatible stores such as MinIO.
type Options struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

// Provider implements cloud.Provider against an S3 bucket.
type Provider struct {
	client *awss3.Client
	bucket string
	prefix string
}

// New builds an S3 provider from explicit credentials. The default AWS
// credential chain applies when no access key is given.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var cfgOpts []func(*awsconfig.LoadOptions) error

	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				opts.AccessKeyID,
				opts.SecretAccessKey,
				opts.SessionToken,
			),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading aws config: %w", err)
	}

	var s3Opts []func(*awss3.Options)

	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}

	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Provider{
		client: awss3.NewFromConfig(cfg, s3Opts...),
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Name returns the human-readable provider name.
func (p *Provider) Name() string { return "S3" }

// ProviderID identifies this provider instance for the manifest.
func (p *Provider) ProviderID() string { return "s3:" + p.bucket }

// key maps a workspace-relative path to an object key.
func (p *Provider) key(path string) string {
	if p.prefix == "" {
		return path
	}

	return p.prefix + "/" + path
}

// pathFromKey reverses key; ok=false for objects outside the prefix.
func (p *Provider) pathFromKey(key string) (string, bool) {
	if p.prefix == "" {
		return key, true
	}

	rest, found := strings.CutPrefix(key, p.prefix+"/")

	return rest, found
}

// ListRemoteFiles pages through the bucket under the sync prefix.
func (p *Provider) ListRemoteFiles(ctx context.Context) ([]cloud.RemoteFileInfo, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
	}

	if p.prefix != "" {
		input.Prefix = aws.String(p.prefix + "/")
	}

	paginator := awss3.NewListObjectsV2Paginator(p.client, input)

	var out []cloud.RemoteFileInfo

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: listing objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}

			path, ok := p.pathFromKey(*obj.Key)
			if !ok || path == "" {
				continue
			}

			info := cloud.RemoteFileInfo{Path: path}

			if obj.Size != nil {
				info.Size = *obj.Size
			}

			if obj.LastModified != nil {
				info.ModifiedAt = *obj.LastModified
			}

			if obj.ETag != nil {
				info.ETag = strings.Trim(*obj.ETag, `"`)
			}

			out = append(out, info)
		}
	}

	return out, nil
}

// DownloadFile fetches one object.
func (p *Provider) DownloadFile(ctx context.Context, path string) ([]byte, cloud.RemoteFileInfo, error) {
	resp, err := p.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		return nil, cloud.RemoteFileInfo{}, fmt.Errorf("s3: downloading %s: %w", path, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cloud.RemoteFileInfo{}, fmt.Errorf("s3: reading %s: %w", path, err)
	}

	info := cloud.RemoteFileInfo{
		Path: path,
		Size: int64(len(content)),
	}

	if resp.LastModified != nil {
		info.ModifiedAt = *resp.LastModified
	}

	if resp.ETag != nil {
		info.ETag = strings.Trim(*resp.ETag, `"`)
	}

	return content, info, nil
}

// UploadFile stores one object and returns its new remote info.
func (p *Provider) UploadFile(ctx context.Context, path string, content []byte) (cloud.RemoteFileInfo, error) {
	resp, err := p.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return cloud.RemoteFileInfo{}, fmt.Errorf("s3: uploading %s: %w", path, err)
	}

	info := cloud.RemoteFileInfo{
		Path:       path,
		Size:       int64(len(content)),
		ModifiedAt: time.Now(),
	}

	if resp.ETag != nil {
		info.ETag = strings.Trim(*resp.ETag, `"`)
	}

	return info, nil
}

// DeleteRemoteFile removes one object.
func (p *Provider) DeleteRemoteFile(ctx context.Context, path string) error {
	_, err := p.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		return fmt.Errorf("s3: deleting %s: %w", path, err)
	}

	return nil
}

// IsAvailable probes the bucket with a HEAD request.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.client.HeadBucket(probeCtx, &awss3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})

	return err == nil
}
