// Package studio uploads recorded clips to Livepeer Studio and waits for the
// resulting asset to finish processing.
package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/livepeer/brewdream/pkg/recorder"
	"github.com/pion/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL           = "https://livepeer.studio"
	DefaultPollInterval      = time.Second
	DefaultPollMaxInterval   = 5 * time.Second
	DefaultProcessingTimeout = 5 * time.Minute
	tracerName               = "github.com/livepeer/brewdream/pkg/studio"
)

var (
	ErrNoAPIKey    = errors.New("studio: error api key not configured")
	ErrAssetFailed = errors.New("studio: error asset processing failed")
)

// AssetPhase is the processing state reported for an asset.
type AssetPhase string

const (
	AssetWaiting    AssetPhase = "waiting"
	AssetProcessing AssetPhase = "processing"
	AssetReady      AssetPhase = "ready"
	AssetFailed     AssetPhase = "failed"
)

// APIError is a non-2xx answer from the Studio API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("studio: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

type Options struct {
	BaseURL string
	APIKey  string
	// PollInterval is the first delay between asset status checks. The
	// delay grows up to PollMaxInterval.
	PollInterval      time.Duration
	PollMaxInterval   time.Duration
	ProcessingTimeout time.Duration
	HTTPClient        *http.Client
	Tracer            trace.Tracer
	Log               logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		BaseURL:           DefaultBaseURL,
		PollInterval:      DefaultPollInterval,
		PollMaxInterval:   DefaultPollMaxInterval,
		ProcessingTimeout: DefaultProcessingTimeout,
		HTTPClient:        &http.Client{},
		Log:               logging.NewDefaultLoggerFactory().NewLogger("studio"),
	}
}

type Client struct {
	options Options
	baseURL string
	log     logging.LeveledLogger
}

func New(opts Options) *Client {
	d := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = d.BaseURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	if opts.PollMaxInterval < opts.PollInterval {
		opts.PollMaxInterval = max(d.PollMaxInterval, opts.PollInterval)
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = d.ProcessingTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = d.HTTPClient
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Log == nil {
		opts.Log = d.Log
	}

	return &Client{
		options: opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		log:     opts.Log,
	}
}

type uploadRequest struct {
	Name string `json:"name"`
}

type uploadTarget struct {
	URL         string    `json:"url"`
	TUSEndpoint string    `json:"tusEndpoint"`
	Asset       AssetInfo `json:"asset"`
}

// AssetInfo is the asset resource as returned by the API.
type AssetInfo struct {
	ID          string `json:"id"`
	PlaybackID  string `json:"playbackId"`
	DownloadURL string `json:"downloadUrl"`
	Status      struct {
		Phase        AssetPhase `json:"phase"`
		Progress     float64    `json:"progress"`
		ErrorMessage string     `json:"errorMessage"`
	} `json:"status"`
}

// UploadClip uploads a recorded clip.
func (c *Client) UploadClip(ctx context.Context, clip recorder.Clip, progress func(recorder.Progress)) (recorder.Asset, error) {
	return c.Upload(ctx, clip.Name, bytes.NewReader(clip.Data), int64(len(clip.Data)), clip.ContentType, progress)
}

// Upload requests a direct upload URL, sends the body and then polls the
// asset until it is ready. progress receives byte progress in the uploading
// phase and the reported processing progress afterwards.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string, progress func(recorder.Progress)) (recorder.Asset, error) {
	ctx, span := c.options.Tracer.Start(ctx, "studio.Upload", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("studio.asset.name", name),
		attribute.Int64("studio.asset.size", size),
	)

	if progress == nil {
		progress = func(recorder.Progress) {}
	}

	asset, err := c.upload(ctx, name, r, size, contentType, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return recorder.Asset{}, err
	}

	span.SetAttributes(attribute.String("studio.asset.id", asset.ID))

	return asset, nil
}

func (c *Client) upload(ctx context.Context, name string, r io.Reader, size int64, contentType string, progress func(recorder.Progress)) (recorder.Asset, error) {
	if c.options.APIKey == "" {
		return recorder.Asset{}, ErrNoAPIKey
	}

	progress(recorder.Progress{Phase: recorder.PhaseUploading, Step: "requesting upload"})

	target, err := c.requestUpload(ctx, name)
	if err != nil {
		return recorder.Asset{}, err
	}

	c.log.Infof("studio: uploading %s as asset %s", name, target.Asset.ID)

	if err := c.put(ctx, target.URL, r, size, contentType, progress); err != nil {
		return recorder.Asset{}, err
	}

	asset, err := c.waitReady(ctx, target.Asset.ID, progress)
	if err != nil {
		return recorder.Asset{}, err
	}

	playbackID := asset.PlaybackID
	if playbackID == "" {
		playbackID = target.Asset.PlaybackID
	}

	return recorder.Asset{
		ID:          asset.ID,
		PlaybackID:  playbackID,
		DownloadURL: asset.DownloadURL,
	}, nil
}

func (c *Client) requestUpload(ctx context.Context, name string) (uploadTarget, error) {
	var target uploadTarget

	body, err := json.Marshal(uploadRequest{Name: name})
	if err != nil {
		return target, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/asset/request-upload", bytes.NewReader(body))
	if err != nil {
		return target, err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, "request-upload", &target); err != nil {
		return target, err
	}

	if target.URL == "" || target.Asset.ID == "" {
		return target, &APIError{Op: "request-upload", StatusCode: http.StatusOK, Message: "response missing upload url or asset id"}
	}

	return target, nil
}

func (c *Client) put(ctx context.Context, uploadURL string, r io.Reader, size int64, contentType string, progress func(recorder.Progress)) error {
	body := &progressReader{
		reader: r,
		size:   size,
		report: func(f float64) {
			progress(recorder.Progress{Phase: recorder.PhaseUploading, Progress: f})
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError("upload", resp)
	}

	progress(recorder.Progress{Phase: recorder.PhaseUploading, Progress: 1})

	return nil
}

// waitReady polls the asset with exponential backoff until it is ready or
// failed.
func (c *Client) waitReady(ctx context.Context, id string, progress func(recorder.Progress)) (AssetInfo, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.options.PollInterval
	b.MaxInterval = c.options.PollMaxInterval
	b.Multiplier = 1.5

	return backoff.Retry(ctx, func() (AssetInfo, error) {
		asset, err := c.Asset(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
				return asset, backoff.Permanent(err)
			}
			c.log.Debugf("studio: asset %s poll error: %s", id, err.Error())
			return asset, err
		}

		switch asset.Status.Phase {
		case AssetReady:
			return asset, nil
		case AssetFailed:
			msg := asset.Status.ErrorMessage
			if msg == "" {
				msg = "unknown reason"
			}
			return asset, backoff.Permanent(fmt.Errorf("%w: %s", ErrAssetFailed, msg))
		default:
			progress(recorder.Progress{
				Phase:    recorder.PhaseProcessing,
				Step:     string(asset.Status.Phase),
				Progress: asset.Status.Progress,
			})
			return asset, fmt.Errorf("studio: asset %s %s", id, asset.Status.Phase)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.options.ProcessingTimeout),
	)
}

// Asset fetches the current state of an asset.
func (c *Client) Asset(ctx context.Context, id string) (AssetInfo, error) {
	var asset AssetInfo

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/asset/"+url.PathEscape(id), nil)
	if err != nil {
		return asset, err
	}

	err = c.do(req, "asset", &asset)

	return asset, err
}

func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("studio: %s: decode response: %w", op, err)
	}

	return nil
}

func newAPIError(op string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))

	var decoded struct {
		Errors []string `json:"errors"`
	}
	if json.Unmarshal(body, &decoded) == nil && len(decoded.Errors) > 0 {
		msg = strings.Join(decoded.Errors, "; ")
	}

	if msg == "" {
		msg = resp.Status
	}

	return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}
