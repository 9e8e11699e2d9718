// Package httpeng implements the generic HTTP(S) fetch engine. It fetches
// segment byte ranges with Range requests and supports resuming a partial
// temp file by appending from an offset.
package httpeng

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tern-dl/tern/internal/engine"
)

const (
	fetchBufferSize = 64 * 1024
	defaultTimeout  = 10 * time.Minute
)

// Options configures the HTTP engine.
type Options struct {
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration
	// ThrottleBytesPerSec caps transfer speed across all segment fetches
	// of this engine. Zero disables throttling.
	ThrottleBytesPerSec int64
}

type Engine struct {
	id      string
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
}

func New(id string, opts Options) *Engine {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	transport := &http.Transport{
		IdleConnTimeout:     60 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
	}
	e := &Engine{
		id:     id,
		client: &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:   opts,
	}
	if opts.ThrottleBytesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.ThrottleBytesPerSec), fetchBufferSize)
	}
	return e
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) CanHandle(protocol string) bool {
	return protocol == "http" || protocol == "https"
}

func (e *Engine) Capability() engine.Capability {
	return engine.Capability{
		Protocols:     []string{"http", "https"},
		MaxSegments:   16,
		PartialResume: true,
		Weight:        1,
		Health:        engine.Healthy,
	}
}

// Probe issues a one-byte ranged GET to learn the resource size and whether
// the server honors range requests. A 200 response means ranges are not
// supported and the Content-Length, if any, is the full size.
func (e *Engine) Probe(ctx context.Context, url string) (engine.ResourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return engine.ResourceInfo{}, err
	}
	e.setHeaders(req)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := e.client.Do(req)
	if err != nil {
		return engine.ResourceInfo{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	info := engine.ResourceInfo{Size: -1, ETag: strings.Trim(resp.Header.Get("ETag"), `"`)}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		info.Resumable = true
		// Content-Range: bytes 0-0/12345
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 {
				total := cr[idx+1:]
				if total != "" && total != "*" {
					if n, err := strconv.ParseInt(total, 10, 64); err == nil {
						info.Size = n
					}
				}
			}
		}
	case http.StatusOK:
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				info.Size = n
			}
		}
	default:
		return engine.ResourceInfo{}, fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
	}
	return info, nil
}

// Fetch downloads one segment range into its temp file. Offset > 0 appends
// to an existing partial temp file and shifts the requested range.
func (e *Engine) Fetch(ctx context.Context, freq engine.FetchRequest) error {
	flag := os.O_WRONLY | os.O_CREATE
	if freq.Offset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	tempFile, err := os.OpenFile(freq.TempPath, flag, 0644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer tempFile.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, freq.URL, nil)
	if err != nil {
		return err
	}
	e.setHeaders(req)

	start := freq.Start + freq.Offset
	wantRange := freq.End >= 0 || start > 0
	if wantRange {
		if freq.End >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, freq.End-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case wantRange && resp.StatusCode == http.StatusPartialContent:
	case wantRange && start == 0 && resp.StatusCode == http.StatusOK:
		// The server ignored the Range header and sent the whole
		// resource. A range starting at zero can still be satisfied
		// from it; the reader below stops at the range end.
	case !wantRange && resp.StatusCode == http.StatusOK:
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if freq.End >= 0 {
		body = io.LimitReader(resp.Body, freq.End-start)
	}
	written, err := e.copyBody(ctx, tempFile, body, freq.Progress)
	if err != nil {
		return err
	}
	if freq.End >= 0 {
		remaining := freq.End - start
		if written != remaining {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", remaining, written)
		}
	}
	return nil
}

func (e *Engine) copyBody(ctx context.Context, dst io.Writer, src io.Reader, progress func(int64)) (int64, error) {
	buf := make([]byte, fetchBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if lerr := e.limiter.WaitN(ctx, n); lerr != nil {
					return written, lerr
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if progress != nil {
				progress(int64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
	}
}

func (e *Engine) setHeaders(req *http.Request) {
	if e.opts.UserAgent != "" {
		req.Header.Set("User-Agent", e.opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", "tern")
	}
	for k, v := range e.opts.Headers {
		req.Header.Set(k, v)
	}
}
