// Package fal implements the generation provider over the fal.ai queue REST API.
package fal

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
	"time"

	"golang.org/x/time/rate"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
)

const (
	defaultQueueURL   = "https://queue.fal.run"
	defaultStorageURL = "https://rest.alpha.fal.ai"
	maxErrorBodyBytes = 64 * 1024
)

// ProviderConfig is the configuration of the fal provider.
type ProviderConfig struct {
	// APIKey is the fal key, sent as `Authorization: Key <APIKey>`.
	APIKey string
	// QueueURL is the base URL of the queue API.
	QueueURL string
	// StorageURL is the base URL of the storage API used for uploads.
	StorageURL string
	// HTTPClient is the client used for all the calls.
	HTTPClient *http.Client
	// PollInterval is the time between status polls of an event stream.
	PollInterval time.Duration
	// MaxPollFailures is the number of consecutive transient poll failures an
	// event stream tolerates before failing.
	MaxPollFailures int
	// RequestsPerSecond limits the outbound calls of the provider.
	RequestsPerSecond float64
	Logger            log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.QueueURL == "" {
		c.QueueURL = defaultQueueURL
	}
	if c.StorageURL == "" {
		c.StorageURL = defaultStorageURL
	}
	c.QueueURL = strings.TrimSuffix(c.QueueURL, "/")
	c.StorageURL = strings.TrimSuffix(c.StorageURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 3
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provider.Fal"})
	return nil
}

// Provider is the fal.ai implementation of provider.Provider.
type Provider struct {
	cfg     ProviderConfig
	limiter *rate.Limiter
	logger  log.Logger
}

// NewProvider returns a new fal provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	burst := max(int(cfg.RequestsPerSecond), 1)
	return &Provider{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		logger:  cfg.Logger,
	}, nil
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// Submit enqueues a request for a model.
func (p *Provider) Submit(ctx context.Context, modelID string, args map[string]any) (provider.Handle, error) {
	if modelID == "" {
		return provider.Handle{}, fmt.Errorf("model id is required: %w", model.ErrNotValid)
	}

	var resp submitResponse
	err := p.doJSON(ctx, http.MethodPost, p.cfg.QueueURL+"/"+modelID, args, &resp)
	if err != nil {
		return provider.Handle{}, fmt.Errorf("could not submit request: %w", err)
	}
	if resp.RequestID == "" {
		return provider.Handle{}, fmt.Errorf("missing request id in submit response: %w", model.ErrProviderFailure)
	}

	p.logger.Debugf("Submitted request %s for %s", resp.RequestID, modelID)

	return provider.Handle{RequestID: resp.RequestID, ModelID: modelID}, nil
}

// Events returns a polling event stream for a request.
func (p *Provider) Events(ctx context.Context, h provider.Handle) (provider.EventStream, error) {
	if h.RequestID == "" || h.ModelID == "" {
		return nil, fmt.Errorf("request id and model id are required: %w", model.ErrNotValid)
	}

	return &eventStream{provider: p, handle: h}, nil
}

// Cancel asks the provider to cancel a request.
func (p *Provider) Cancel(ctx context.Context, h provider.Handle) error {
	err := p.doJSON(ctx, http.MethodPut, p.requestURL(h)+"/cancel", nil, nil)
	if err != nil {
		return fmt.Errorf("could not cancel request: %w", err)
	}

	p.logger.Debugf("Cancelled request %s", h.RequestID)
	return nil
}

type initiateUploadRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

type initiateUploadResponse struct {
	UploadURL string `json:"upload_url"`
	FileURL   string `json:"file_url"`
}

// Upload uploads content to the provider storage and returns its public URL.
func (p *Provider) Upload(ctx context.Context, name string, content []byte) (string, error) {
	contentType := http.DetectContentType(content)

	var initResp initiateUploadResponse
	err := p.doJSON(ctx, http.MethodPost, p.cfg.StorageURL+"/storage/upload/initiate", initiateUploadRequest{
		FileName:    name,
		ContentType: contentType,
	}, &initResp)
	if err != nil {
		return "", fmt.Errorf("could not initiate upload: %w", err)
	}
	if initResp.UploadURL == "" || initResp.FileURL == "" {
		return "", fmt.Errorf("missing upload urls in response: %w", model.ErrProviderFailure)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, initResp.UploadURL, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not upload content: %w", transportError(ctx, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("could not upload content: %w", errorFromResponse(resp))
	}

	p.logger.Debugf("Uploaded %s (%d bytes)", name, len(content))
	return initResp.FileURL, nil
}

// requestURL returns the URL of a request. Queue request paths use the app id
// (owner/app), not the full model path.
func (p *Provider) requestURL(h provider.Handle) string {
	return p.cfg.QueueURL + "/" + appID(h.ModelID) + "/requests/" + url.PathEscape(h.RequestID)
}

func appID(modelID string) string {
	parts := strings.SplitN(modelID, "/", 3)
	if len(parts) < 2 {
		return modelID
	}
	return parts[0] + "/" + parts[1]
}

func (p *Provider) doJSON(ctx context.Context, method, u string, body, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal body: %w: %w", model.ErrNotValid, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}

	return nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", model.ErrTransient, err)
}

type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// errorFromResponse maps an HTTP error response into the error taxonomy.
func errorFromResponse(resp *http.Response) error {
	msg := responseMessage(resp)

	switch code := resp.StatusCode; {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusNotFound:
		return fmt.Errorf("%w: provider returned %d: %s", model.ErrNotValid, code, msg)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: provider returned %d: %s", model.ErrAuthentication, code, msg)
	case code == http.StatusTooManyRequests:
		return &model.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    msg,
		}
	case code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: provider returned %d: %s", model.ErrTransient, code, msg)
	default:
		return fmt.Errorf("%w: provider returned %d: %s", model.ErrProviderFailure, code, msg)
	}
}

func responseMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil || len(data) == 0 {
		return http.StatusText(resp.StatusCode)
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case len(body.Detail) > 0:
			var s string
			if err := json.Unmarshal(body.Detail, &s); err == nil {
				return s
			}
			return string(body.Detail)
		case body.Error != "":
			return body.Error
		case body.Message != "":
			return body.Message
		}
	}

	return strings.TrimSpace(string(data))
}

// parseRetryAfter supports both the seconds and the HTTP date formats.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
