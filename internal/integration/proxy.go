package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/secret"
)

// ProxyRequest is a caller-built request to relay through an integration
type ProxyRequest struct {
	AgentID string            `json:"agent_id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// ProxyResponse carries the upstream response verbatim. The proxy never
// reinterprets success or failure; that judgment belongs to the caller.
type ProxyResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Proxy relays authenticated HTTP calls to registered integrations. It holds
// no per-call state and performs no retries; backoff on 429/5xx is caller
// guidance, not proxy behavior.
type Proxy struct {
	logger     *zap.Logger
	registry   *Registry
	secrets    *secret.Store
	httpClient *http.Client
}

// NewProxy creates a new integration proxy
func NewProxy(registry *Registry, secrets *secret.Store, logger *zap.Logger) *Proxy {
	return &Proxy{
		logger:   logger.Named("integration-proxy"),
		registry: registry,
		secrets:  secrets,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Call builds and forwards one authenticated request. Resolution order:
// integration, assignment, credentials, then outbound dispatch.
func (p *Proxy) Call(ctx context.Context, integrationID string, req ProxyRequest) (*ProxyResponse, error) {
	in, err := p.registry.Get(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	assigned, err := p.registry.storage.IsAssigned(ctx, req.AgentID, integrationID)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, fmt.Errorf("%w: integration %q, agent %q", ErrNotAssigned, in.Name, req.AgentID)
	}

	creds, err := p.secrets.Get(ctx, req.AgentID, in.Name)
	if err != nil {
		return nil, err
	}

	outReq, err := p.buildRequest(ctx, in, req, creds)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := p.httpClient.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	p.logger.Info("Proxied integration call",
		zap.String("integration", in.Name),
		zap.String("agent_id", req.AgentID),
		zap.String("method", outReq.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)))

	return &ProxyResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// buildRequest assembles the outbound request: caller headers/params first,
// then credential injection, which overrides conflicting caller headers.
func (p *Proxy) buildRequest(ctx context.Context, in *model.Integration, req ProxyRequest, creds map[string]string) (*http.Request, error) {
	target := strings.TrimRight(in.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	outReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	for k, v := range req.Headers {
		outReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && outReq.Header.Get("Content-Type") == "" {
		outReq.Header.Set("Content-Type", "application/json")
	}

	query := outReq.URL.Query()
	for k, v := range req.Params {
		query.Set(k, v)
	}

	if err := injectAuth(in.AuthScheme, creds, outReq.Header, query); err != nil {
		return nil, err
	}
	outReq.URL.RawQuery = query.Encode()

	return outReq, nil
}

func injectAuth(scheme model.AuthScheme, creds map[string]string, header http.Header, query url.Values) error {
	build, ok := schemeBuilders[scheme.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidScheme, scheme.Type)
	}
	if err := build(scheme, creds, header, query); err != nil {
		return err
	}
	applyExtraHeaders(scheme, creds, header)
	return nil
}
