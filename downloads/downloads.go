// Package downloads fetches remote pool archives with resume and retry.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultRetryAttempts is the number of times to try a download.
	DefaultRetryAttempts = 3
	// DefaultRetryDelay is the first wait between attempts.
	DefaultRetryDelay = 2 * time.Second
	// DefaultBufferSize is the copy buffer size.
	DefaultBufferSize = 32 * 1024
)

// ByteProgressCallback reports raw byte progress. total is -1 when the
// server did not send a length.
type ByteProgressCallback func(downloaded, total int64)

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "bad status: " + e.Status }

// retryable reports whether another attempt could succeed.
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Client is used for every request.
var Client = &http.Client{Timeout: 0}

var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRetryDelay
	return b
}

// IsURL reports whether s is an http or https URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// FileName is the last path segment of rawURL, or "download" when it has none.
func FileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		return "download"
	}
	return base
}

// DownloadFile downloads url to destPath. A partial file at destPath is
// resumed with a Range request when the server supports it.
func DownloadFile(ctx context.Context, destPath string, url string, progressCb ByteProgressCallback) error {
	var existingSize int64
	if stat, err := os.Stat(destPath); err == nil {
		existingSize = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		existingSize = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// the partial file is already complete
		if existingSize > 0 {
			if progressCb != nil {
				progressCb(existingSize, existingSize)
			}
			return nil
		}
		fallthrough
	default:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	totalSize := resp.ContentLength
	if totalSize > 0 {
		totalSize += existingSize
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	var out *os.File
	if existingSize > 0 {
		out, err = os.OpenFile(destPath, os.O_APPEND|os.O_WRONLY, 0o644)
	} else {
		out, err = os.Create(destPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	downloaded := existingSize
	buffer := make([]byte, DefaultBufferSize)
	lastReport := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			if _, werr := out.Write(buffer[:n]); werr != nil {
				return fmt.Errorf("failed to write to file: %w", werr)
			}
			downloaded += int64(n)
			if progressCb != nil && time.Since(lastReport) >= 100*time.Millisecond {
				progressCb(downloaded, totalSize)
				lastReport = time.Now()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
	}

	if progressCb != nil {
		progressCb(downloaded, totalSize)
	}
	return out.Close()
}

// DownloadWithRetry retries DownloadFile on network errors and server
// faults, resuming from what earlier attempts wrote.
func DownloadWithRetry(ctx context.Context, destPath string, url string, progressCb ByteProgressCallback) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := DownloadFile(ctx, destPath, url, progressCb)
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(DefaultRetryAttempts),
	)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}

// Fetch downloads url into dir, named after the URL's last path segment,
// and returns the local path.
func Fetch(ctx context.Context, dir, url string, progressCb ByteProgressCallback) (string, error) {
	name := strings.TrimSpace(FileName(url))
	dest := filepath.Join(dir, name)
	if err := DownloadWithRetry(ctx, dest, url, progressCb); err != nil {
		return "", err
	}
	return dest, nil
}
