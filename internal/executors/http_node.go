package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowmesh-go/internal/condition"
	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

// HTTPExecutor performs HTTP/API call nodes. Requests to a failing host
// trip a circuit breaker keyed by URL host so a broken upstream fails
// fast instead of eating the node timeout on every attempt.
type HTTPExecutor struct {
	client   *http.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   logger.Logger
}

type httpNodeConfig struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"queryParams"`
	Body        interface{}       `json:"body"`
	Timeout     int               `json:"timeout"`
}

func NewHTTPExecutor(log logger.Logger) *HTTPExecutor {
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPExecutor{
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   log,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	cfg, err := e.parseConfig(node.Config)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}

	url := interpolate(cfg.URL, input)
	req, err := e.buildRequest(ctx, cfg, url, input)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}

	breaker := e.breakerFor(req.URL.Host)

	result, err := breaker.Execute(func() (interface{}, error) {
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return e.parseResponse(resp)
	})
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}

	return result.(map[string]interface{}), nil
}

func (e *HTTPExecutor) parseConfig(config map[string]interface{}) (*httpNodeConfig, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	cfg := &httpNodeConfig{Method: http.MethodGet}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http node requires a url")
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	return cfg, nil
}

func (e *HTTPExecutor) buildRequest(ctx context.Context, cfg *httpNodeConfig, url string, input map[string]interface{}) (*http.Request, error) {
	var body io.Reader
	if cfg.Body != nil {
		data, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, url, body)
	if err != nil {
		return nil, err
	}

	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, interpolate(v, input))
	}
	if len(cfg.QueryParams) > 0 {
		q := req.URL.Query()
		for k, v := range cfg.QueryParams {
			q.Set(k, interpolate(v, input))
		}
		req.URL.RawQuery = q.Encode()
	}

	return req, nil
}

func (e *HTTPExecutor) parseResponse(resp *http.Response) (map[string]interface{}, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	output := map[string]interface{}{
		"statusCode": resp.StatusCode,
		"headers":    flattenHeaders(resp.Header),
	}

	var parsed interface{}
	if json.Unmarshal(data, &parsed) == nil {
		output["body"] = parsed
	} else {
		output["body"] = string(data)
	}

	if resp.StatusCode < 400 {
		output["status"] = "ok"
	} else {
		output["status"] = "error"
	}

	return output, nil
}

func (e *HTTPExecutor) breakerFor(host string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.logger.Info("circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[host] = cb
	return cb
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// interpolate replaces {{path}} placeholders with values from the input.
func interpolate(s string, input map[string]interface{}) string {
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start

		path := strings.TrimSpace(s[start+2 : end])
		value := condition.NestedValue(input, path)
		s = s[:start] + fmt.Sprintf("%v", value) + s[end+2:]
	}
}
