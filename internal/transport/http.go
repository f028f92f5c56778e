package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilstream/veilstream/pkg/transport"
)

// HTTP talks to storage nodes over their object API: PUT/GET/DELETE on
// /objects/{key} and GET /healthz for liveness. Storage paths are full
// object URLs, so Read and Delete work directly on the recorded path.
type HTTP struct {
	client *http.Client
}

var _ transport.NodeTransport = (*HTTP)(nil)

// NewHTTP creates an HTTP node transport. A nil client uses a default
// with a 30 second timeout; per-call deadlines still come from the
// caller's context.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{client: client}
}

func (h *HTTP) Write(ctx context.Context, nodeAddress, key string, object []byte) (string, error) {
	url := nodeAddress + "/objects/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(object))
	if err != nil {
		return "", fmt.Errorf("transport: build write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: write %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: write %s: unexpected status %s", url, resp.Status)
	}
	return url, nil
}

func (h *HTTP) Read(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build read request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: read %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("transport: read %s: %w", path, ErrObjectNotFound)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("transport: read %s: unexpected status %s", path, resp.Status)
	}

	object, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read %s body: %w", path, err)
	}
	return object, nil
}

func (h *HTTP) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("transport: build delete request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("transport: delete %s: unexpected status %s", path, resp.Status)
	}
	return nil
}

func (h *HTTP) Ping(ctx context.Context, nodeAddress string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeAddress+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("transport: build ping request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: ping %s: %w", nodeAddress, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: ping %s: unexpected status %s", nodeAddress, resp.Status)
	}
	return nil
}
