// Package transport talks to the sync server over mutually authenticated
// HTTPS.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/atinyakov/CipherSync/internal/models"
	"github.com/atinyakov/CipherSync/internal/syncer"
	"go.uber.org/zap"
)

const changesPath = "/api/changes"

// maxErrorBody bounds how much of an error response ends up in an error.
const maxErrorBody = 512

// HTTPRemote implements syncer.Remote over the server's JSON API.
type HTTPRemote struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

var _ syncer.Remote = (*HTTPRemote)(nil)

// NewHTTPRemote returns a remote for baseURL. client is normally built by
// LoadClientCertificate.
func NewHTTPRemote(client *http.Client, baseURL string, logger *zap.Logger) *HTTPRemote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRemote{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Fetch returns the changes after cursor since.
func (r *HTTPRemote) Fetch(ctx context.Context, since int64) (models.FetchResponse, error) {
	u := r.baseURL + changesPath + "?" + url.Values{"since": {strconv.FormatInt(since, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.FetchResponse{}, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out models.FetchResponse
	if err := r.do(req, &out); err != nil {
		return models.FetchResponse{}, err
	}
	r.logger.Debug("fetched changes", zap.Int64("since", since), zap.Int("count", len(out.Changes)), zap.Int64("head", out.Head))
	return out, nil
}

// Push uploads changes. The server answers 409 when its head moved past
// req.BaseCursor.
func (r *HTTPRemote) Push(ctx context.Context, in models.PushRequest) (models.PushResponse, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return models.PushResponse{}, fmt.Errorf("encode push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+changesPath, bytes.NewReader(b))
	if err != nil {
		return models.PushResponse{}, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out models.PushResponse
	if err := r.do(req, &out); err != nil {
		return models.PushResponse{}, err
	}
	r.logger.Debug("pushed changes", zap.Int("count", len(in.Changes)), zap.Int64("cursor", out.Cursor))
	return out, nil
}

func (r *HTTPRemote) do(req *http.Request, out any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", syncer.ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", syncer.ErrConflict, readErrorBody(resp.Body))
	case temporaryStatus(code):
		return fmt.Errorf("%w: server error %d: %s", syncer.ErrTransport, code, readErrorBody(resp.Body))
	default:
		return fmt.Errorf("%w: server error %d: %s", syncer.ErrRejected, code, readErrorBody(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response: %w", syncer.ErrTransport, err)
	}
	return nil
}

// temporaryStatus reports statuses worth retrying: server faults, request
// timeouts and rate limiting.
func temporaryStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

func readErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return strings.TrimSpace(string(data))
}
