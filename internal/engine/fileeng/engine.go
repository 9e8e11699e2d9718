// Package fileeng implements a local filesystem engine for file:// locators.
// It exists for local copies and keeps the scheduler and assembler testable
// without sockets.
package fileeng

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/tern-dl/tern/internal/engine"
)

const copyBufferSize = 64 * 1024

type Engine struct {
	id string
}

func New(id string) *Engine { return &Engine{id: id} }

func (e *Engine) ID() string { return e.id }

func (e *Engine) CanHandle(protocol string) bool { return protocol == "file" }

func (e *Engine) Capability() engine.Capability {
	return engine.Capability{
		Protocols:     []string{"file"},
		MaxSegments:   4,
		PartialResume: true,
		Weight:        2,
		Health:        engine.Healthy,
	}
}

func (e *Engine) Probe(ctx context.Context, rawURL string) (engine.ResourceInfo, error) {
	p, err := sourcePath(rawURL)
	if err != nil {
		return engine.ResourceInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return engine.ResourceInfo{}, err
	}
	return engine.ResourceInfo{Size: fi.Size(), Resumable: true}, nil
}

func (e *Engine) Fetch(ctx context.Context, freq engine.FetchRequest) error {
	p, err := sourcePath(freq.URL)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()

	start := freq.Start + freq.Offset
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return err
	}

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

	var reader io.Reader = src
	if freq.End >= 0 {
		reader = io.LimitReader(src, freq.End-start)
	}
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := reader.Read(buf)
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

func sourcePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Path == "" {
		return "", errors.New("empty file path")
	}
	return u.Path, nil
}
