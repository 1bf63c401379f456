// Package backend talks to the hosted functions that front the diffusion
// stream API and the coffee ticket ledger.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/livepeer/brewdream"
	"github.com/pion/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	FunctionCreateStream   = "daydream-stream"
	FunctionUpdatePrompt   = "daydream-prompt"
	FunctionGenerateTicket = "generate-ticket"
	FunctionRedeemTicket   = "redeem-ticket"

	// TicketPrefix prefixes the ticket code in the scannable payload.
	TicketPrefix = "DD-COFFEE-"

	tracerName   = "github.com/livepeer/brewdream/pkg/backend"
	maxErrorBody = 64 * 1024
)

var (
	ErrNoBaseURL   = errors.New("backend: error base url not configured")
	ErrNoStreamID  = errors.New("backend: error stream id is required")
	ErrNoTicket    = errors.New("backend: error ticket code is required")
	ErrNoUserToken = errors.New("backend: error user token is required")
)

// APIError is a non-2xx answer from a hosted function.
type APIError struct {
	Function   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s: status %d: %s", e.Function, e.StatusCode, e.Message)
}

type Options struct {
	// BaseURL is the functions root, e.g. https://<project>.supabase.co/functions/v1.
	BaseURL string
	// AnonKey authorizes calls that do not act for a signed-in user.
	AnonKey    string
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Log        logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Log:        logging.NewDefaultLoggerFactory().NewLogger("backend"),
	}
}

type Client struct {
	options Options
	baseURL string
	log     logging.LeveledLogger
}

var _ brewdream.StreamAPI = (*Client)(nil)

func New(opts Options) *Client {
	d := DefaultOptions()
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

type createStreamRequest struct {
	PipelineID    string                         `json:"pipeline_id"`
	InitialParams *brewdream.DiffusionParameters `json:"initialParams,omitempty"`
}

// CreateStream creates a diffusion stream. The initial parameters are
// applied server side once the stream accepts them.
func (c *Client) CreateStream(ctx context.Context, pipelineID string, initial brewdream.DiffusionParameters) (brewdream.StreamInfo, error) {
	var info brewdream.StreamInfo

	if pipelineID == "" {
		pipelineID = brewdream.DefaultPipelineID
	}

	params := initial.WithDefaults()
	req := createStreamRequest{PipelineID: pipelineID, InitialParams: &params}

	err := c.call(ctx, FunctionCreateStream, "", req, &info,
		attribute.String("brewdream.pipeline_id", pipelineID))
	if err != nil {
		return info, err
	}

	c.log.Infof("backend: created stream %s (playback %s)", info.ID, info.OutputPlaybackID)

	return info, nil
}

type updateParametersRequest struct {
	StreamID string                        `json:"streamId"`
	Params   brewdream.DiffusionParameters `json:"params"`
}

// UpdateParameters replaces the parameters of a running stream.
func (c *Client) UpdateParameters(ctx context.Context, streamID string, params brewdream.DiffusionParameters) error {
	if streamID == "" {
		return ErrNoStreamID
	}

	req := updateParametersRequest{StreamID: streamID, Params: params.WithDefaults()}

	return c.call(ctx, FunctionUpdatePrompt, "", req, nil,
		attribute.String("brewdream.stream_id", streamID))
}

type Ticket struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	QRData string `json:"qrData"`
}

// GenerateTicket issues a coffee ticket for a session.
func (c *Client) GenerateTicket(ctx context.Context, sessionID string) (Ticket, error) {
	var t Ticket

	req := map[string]string{"sessionId": sessionID}
	if err := c.call(ctx, FunctionGenerateTicket, "", req, &t,
		attribute.String("brewdream.session_id", sessionID)); err != nil {
		return t, err
	}

	if t.QRData == "" && t.Code != "" {
		t.QRData = TicketPrefix + t.Code
	}

	return t, nil
}

type Redemption struct {
	Success bool            `json:"success"`
	Ticket  json.RawMessage `json:"ticket,omitempty"`
}

// RedeemTicket marks a ticket as redeemed on behalf of the signed-in user
// that owns it.
func (c *Client) RedeemTicket(ctx context.Context, code, userToken string) (Redemption, error) {
	var r Redemption

	code = strings.TrimPrefix(strings.TrimSpace(code), TicketPrefix)
	if code == "" {
		return r, ErrNoTicket
	}

	if userToken == "" {
		return r, ErrNoUserToken
	}

	err := c.call(ctx, FunctionRedeemTicket, userToken, map[string]string{"ticketCode": code}, &r)

	return r, err
}

func (c *Client) call(ctx context.Context, function, token string, in, out any, attrs ...attribute.KeyValue) error {
	ctx, span := c.options.Tracer.Start(ctx, "backend."+function, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(attrs...)

	err := c.do(ctx, function, token, in, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (c *Client) do(ctx context.Context, function, token string, in, out any) error {
	if c.baseURL == "" {
		return ErrNoBaseURL
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+function, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.options.AnonKey != "" {
		req.Header.Set("apikey", c.options.AnonKey)
	}

	if token == "" {
		token = c.options.AnonKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", function, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(function, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: %s: decode response: %w", function, err)
	}

	return nil
}

// newAPIError extracts the message from an {"error": ...} body. The error
// value is either a string or the upstream error object.
func newAPIError(function string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))

	var decoded struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &decoded) == nil && len(decoded.Error) > 0 {
		var s string
		if json.Unmarshal(decoded.Error, &s) == nil {
			msg = s
		} else {
			msg = string(decoded.Error)
		}
	}

	if msg == "" {
		msg = resp.Status
	}

	return &APIError{Function: function, StatusCode: resp.StatusCode, Message: msg}
}
