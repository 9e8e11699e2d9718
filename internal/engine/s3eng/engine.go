// Package s3eng implements the S3 fetch engine for s3://bucket/key
// locators using ranged GetObject calls.
package s3eng

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tern-dl/tern/internal/engine"
)

const fetchBufferSize = 64 * 1024

// Options configures the S3 engine.
type Options struct {
	Profile string
	Region  string
}

type Engine struct {
	id   string
	opts Options

	mu     sync.Mutex
	client *s3.Client
}

func New(id string, opts Options) *Engine {
	return &Engine{id: id, opts: opts}
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) CanHandle(protocol string) bool { return protocol == "s3" }

func (e *Engine) Capability() engine.Capability {
	return engine.Capability{
		Protocols:     []string{"s3"},
		MaxSegments:   8,
		PartialResume: true,
		Weight:        3,
		Health:        engine.Healthy,
	}
}

func (e *Engine) getClient(ctx context.Context) (*s3.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if e.opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(e.opts.Profile))
	}
	if e.opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(e.opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	e.client = s3.NewFromConfig(cfg)
	return e.client, nil
}

func (e *Engine) Probe(ctx context.Context, rawURL string) (engine.ResourceInfo, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return engine.ResourceInfo{}, err
	}
	client, err := e.getClient(ctx)
	if err != nil {
		return engine.ResourceInfo{}, err
	}
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return engine.ResourceInfo{}, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	info := engine.ResourceInfo{Size: -1, Resumable: true}
	if head.ContentLength != nil {
		info.Size = *head.ContentLength
	}
	if head.ETag != nil {
		info.ETag = strings.Trim(*head.ETag, `"`)
	}
	return info, nil
}

func (e *Engine) Fetch(ctx context.Context, freq engine.FetchRequest) error {
	bucket, key, err := parseS3URL(freq.URL)
	if err != nil {
		return err
	}
	client, err := e.getClient(ctx)
	if err != nil {
		return err
	}

	start := freq.Start + freq.Offset
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if freq.End >= 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, freq.End-1))
	} else if start > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}

	obj, err := client.GetObject(ctx, input)
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Body.Close()

	flag := os.O_WRONLY | os.O_CREATE
	if freq.Offset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	dst, err := os.OpenFile(freq.TempPath, flag, 0644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer dst.Close()

	buf := make([]byte, fetchBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := obj.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if freq.Progress != nil {
				freq.Progress(int64(n))
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}
	if freq.End >= 0 && written != freq.End-start {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", freq.End-start, written)
	}
	return nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url: %s", rawURL)
	}
	return bucket, key, nil
}
