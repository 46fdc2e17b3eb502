package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eddielth/ha-agent/logger"
)

// Fetcher streams a firmware image into a slot, verifying its SHA-256 digest
type Fetcher interface {
	Fetch(ctx context.Context, url, sha256Hex string, slot Slot) error
}

// DefaultTransferTimeout bounds a single image download
const DefaultTransferTimeout = 5 * time.Minute

// HTTPFetcher downloads images over HTTP(S)
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests time out after timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher. The staged image is committed only when the digest matches.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, sha256Hex string, slot Slot) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	w, err := slot.Stage()
	if err != nil {
		return err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), resp.Body)
	if err != nil {
		w.Abort()
		return fmt.Errorf("download %s: %w", url, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != sha256Hex {
		w.Abort()
		return fmt.Errorf("%w: got %s, expected %s", ErrHashMismatch, got, sha256Hex)
	}

	if err := w.Commit(); err != nil {
		return err
	}
	logger.Info("image downloaded: %d bytes, sha256 %s", n, got)
	return nil
}
