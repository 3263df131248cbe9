package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/flowplane/flowplane/internal/model"
)

// HTTPExecutor performs an outbound HTTP request described by the node
// params: url, method, headers, and an optional body. The node policy's
// allowed-host list is enforced before any connection is made.
type HTTPExecutor struct {
	client *resty.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, exec model.StepExec) (*Result, error) {
	rawURL, _ := exec.Params["url"].(string)
	if rawURL == "" {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: "http node requires a url param",
		}
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: fmt.Sprintf("invalid url: %v", err),
		}
	}
	if err := checkHost(target.Hostname(), exec.Policy.AllowedHosts); err != nil {
		return nil, err
	}

	method := http.MethodGet
	if m, ok := exec.Params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	req := e.client.R().SetContext(ctx)
	if headers, ok := exec.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.SetHeader(k, s)
			}
		}
	}
	if body, ok := exec.Params["body"]; ok {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(body)
	} else if len(exec.Input) > 0 && method != http.MethodGet {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(json.RawMessage(exec.Input))
	}

	resp, err := req.Execute(method, target.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &model.StepError{
			Kind:      model.ErrKindTransient,
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}

	body := resp.Body()
	result := &Result{
		BytesIn:  int64(len(exec.Input)),
		BytesOut: int64(len(body)),
	}

	switch {
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
		return nil, &model.StepError{
			Kind:      model.ErrKindRetryable,
			Message:   fmt.Sprintf("upstream returned %d", resp.StatusCode()),
			Retryable: true,
		}
	case resp.StatusCode() >= 400:
		return nil, &model.StepError{
			Kind:    model.ErrKindPermanent,
			Message: fmt.Sprintf("upstream returned %d", resp.StatusCode()),
		}
	}

	result.Output = wrapOutput(resp.StatusCode(), body)
	return result, nil
}

// wrapOutput packages status and body so downstream guards can branch on
// either. A non-JSON body is carried as a string.
func wrapOutput(status int, body []byte) json.RawMessage {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = string(body)
	}
	out, err := json.Marshal(map[string]any{
		"status": status,
		"body":   parsed,
	})
	if err != nil {
		return nil
	}
	return out
}

// checkHost enforces the node's egress allow-list. An empty list allows
// any host.
func checkHost(host string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return nil
		}
		// Wildcard subdomain entries like *.example.com.
		if suffix, ok := strings.CutPrefix(a, "*."); ok &&
			strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(suffix)) {
			return nil
		}
	}
	return &model.StepError{
		Kind:    model.ErrKindPermanent,
		Message: fmt.Sprintf("host %q not in allowed list", host),
	}
}
