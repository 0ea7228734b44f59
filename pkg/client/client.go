package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrNoActiveAlert = errors.New("no active fall alert")
)

// GuardianMonitorClient lets another service, such as a call center, follow
// the devices of an account and acknowledge their fall alerts.
type GuardianMonitorClient interface {
	Devices(ctx context.Context) ([]types.MergedDevice, error)
	Acknowledge(ctx context.Context, deviceID string) error
	Close(ctx context.Context)
}

type guardianMonitorClient struct {
	url        string
	token      string
	httpClient http.Client
}

var tracer = otel.Tracer("guardian-monitor-client")

// New signs in to the service at baseURL. The returned client acts with the
// rights of the signed in account until Close is called.
func New(ctx context.Context, baseURL, email, password string) (GuardianMonitorClient, error) {
	var err error
	ctx, span := tracer.Start(ctx, "login")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	c := &guardianMonitorClient{
		url: baseURL,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	body, _ := json.Marshal(map[string]string{"email": email, "password": password})

	session := struct {
		Token string `json:"token"`
	}{}

	err = c.do(ctx, http.MethodPost, "/api/v0/auth/login", bytes.NewReader(body), &session)
	if err != nil {
		err = fmt.Errorf("failed to sign in: %w", err)
		return nil, err
	}

	c.token = session.Token

	return c, nil
}

func (c *guardianMonitorClient) Devices(ctx context.Context) ([]types.MergedDevice, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := struct {
		Data []types.MergedDevice `json:"data"`
	}{}

	err = c.do(ctx, http.MethodGet, "/api/v0/devices", nil, &result)
	if err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (c *guardianMonitorClient) Acknowledge(ctx context.Context, deviceID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "acknowledge")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("deviceID", deviceID).Msg("acknowledging fall alert")

	err = c.do(ctx, http.MethodPost, "/api/v0/alerts/"+url.PathEscape(deviceID)+"/acknowledge", nil, nil)
	return err
}

func (c *guardianMonitorClient) Close(ctx context.Context) {
	if c.token == "" {
		return
	}

	if err := c.do(ctx, http.MethodPost, "/api/v0/auth/logout", nil, nil); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Err(err).Msg("failed to sign out")
	}

	c.token = ""
}

func (c *guardianMonitorClient) do(ctx context.Context, method, path string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrNoActiveAlert
	default:
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
