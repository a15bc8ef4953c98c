// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package proxybackend reaches the analytical engine over JSON RPC:
// every operation becomes one POST carrying a method envelope, the
// response either a result or a MongoDB-coded error. Transient
// transport failures are retried with a fixed delay, coded errors
// never are.
package proxybackend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/internal/cursors"
)

var logger = loggo.GetLogger("mondo.proxybackend")

const (
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3
	defaultDelay    = time.Second
)

var (
	retryableStatuses = set.NewInts(
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	)
	// Codes the remote may wrap in a retryable HTTP status that still
	// must not be retried.
	nonRetryableCodes = set.NewInts(
		backend.CodeBadValue,
		backend.CodeUnauthorized,
		backend.CodeNamespaceNotFound,
		backend.CodeCommandNotFound,
		backend.CodeDuplicateKey,
	)
)

// Doer is the slice of http.Client the backend needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds what the proxy needs at construction.
type Config struct {
	// Endpoint is the URL operations are POSTed to.
	Endpoint string
	// Token, when non-empty, is sent as a bearer token.
	Token string
	// Timeout bounds one whole call, retries included. Defaults to
	// 30 seconds.
	Timeout time.Duration
	// Attempts is how many times a transient failure is tried.
	// Defaults to 3.
	Attempts int
	// Delay is the fixed pause between attempts. Defaults to 1 second.
	Delay time.Duration
	// Client issues the requests. Defaults to http.DefaultClient.
	Client Doer
	// Clock times retries and cursor TTLs. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate is part of the usual config contract.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.NotValidf("empty Endpoint")
	}
	parsed, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.NotValidf("endpoint %q: %v", c.Endpoint, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.NotValidf("endpoint %q without scheme or host", c.Endpoint)
	}
	return nil
}

// Backend is the analytical proxy engine. It satisfies
// backend.Backend.
type Backend struct {
	cfg     Config
	clock   clock.Clock
	client  Doer
	cursors *cursors.Manager
}

// New returns a proxy Backend for the configured endpoint.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Backend{
		cfg:     cfg,
		clock:   cfg.Clock,
		client:  cfg.Client,
		cursors: cursors.NewManager(cfg.Clock),
	}, nil
}

// Engine identifies this backend to the router.
func (b *Backend) Engine() backend.Engine {
	return backend.OLAP
}

// rpcRequest is the envelope one operation travels in.
type rpcRequest struct {
	Method     string          `json:"method"`
	DB         string          `json:"db,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Update     json.RawMessage `json:"update,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	Documents  json.RawMessage `json:"documents,omitempty"`
	Pipeline   json.RawMessage `json:"pipeline,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	Field      string          `json:"field,omitempty"`
	Query      json.RawMessage `json:"query,omitempty"`
}

type rpcResponse struct {
	OK       float64         `json:"ok"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
	Code     int             `json:"code"`
	CodeName string          `json:"codeName"`
}

// transientError marks a failure worth another attempt.
type transientError struct {
	error
}

func transientf(format string, args ...interface{}) error {
	return &transientError{errors.Errorf(format, args...)}
}

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// call POSTs one envelope, retrying transient failures with a fixed
// delay under the call-level timeout.
func (b *Backend) call(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var result json.RawMessage
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			result, err = b.post(ctx, payload)
			return err
		},
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s attempt %d: %v", req.Method, attempt, err)
		},
		Attempts: b.cfg.Attempts,
		Delay:    b.cfg.Delay,
		Clock:    b.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "calling %s", req.Method)
	}
	return result, nil
}

func (b *Backend) post(ctx context.Context, payload []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Trace(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, &transientError{errors.Trace(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{errors.Trace(err)}
	}

	var decoded rpcResponse
	decodeErr := json.Unmarshal(body, &decoded)

	if retryableStatuses.Contains(resp.StatusCode) {
		// A transient status may still wrap a definitive error.
		if decodeErr == nil && decoded.OK != 1 && nonRetryableCodes.Contains(decoded.Code) {
			return nil, wireError(decoded)
		}
		return nil, transientf("endpoint returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, errors.Annotatef(decodeErr, "decoding response (status %d)", resp.StatusCode)
	}
	if decoded.OK != 1 {
		return nil, wireError(decoded)
	}
	return decoded.Result, nil
}

// wireError preserves the remote engine's code and code name.
func wireError(resp rpcResponse) error {
	msg := resp.Error
	if msg == "" {
		msg = "analytical engine error"
	}
	code := resp.Code
	if code == 0 {
		code = backend.CodeInternalError
	}
	name := resp.CodeName
	if name == "" {
		name = backend.CodeName(code)
	}
	return &backend.WireError{Message: msg, Code: code, Name: name}
}
