package objectbackend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
)

// HTTP reads and writes objects on a remote HTTP(S) binary cache using GET,
// HEAD and PUT. Not every HTTP binary cache accepts uploads; PUT is only
// exercised against caches known to support it (e.g. a reverse proxy in
// front of a Directory backend on another host).
type HTTP struct {
	base   *url.URL
	client *http.Client
}

// NewHTTP constructs an HTTP backend rooted at base.
func NewHTTP(base *url.URL) *HTTP {
	return &HTTP{base: base, client: http.DefaultClient}
}

func (h *HTTP) resolve(key string) string {
	u := *h.base
	u.Path = path.Join(u.Path, key)
	return u.String()
}

func (h *HTTP) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.resolve(key), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("objectbackend: GET %s: unexpected status %s", key, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

func (h *HTTP) Put(ctx context.Context, key string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.resolve(key), r)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("objectbackend: PUT %s: unexpected status %s", key, resp.Status)
	}
	return nil
}

func (h *HTTP) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.resolve(key), nil)
	if err != nil {
		return false, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (h *HTTP) Close() error { return nil }
