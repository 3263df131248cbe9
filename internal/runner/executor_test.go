package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
)

func TestRegistry(t *testing.T) {
	t.Run("LookupRegistered", func(t *testing.T) {
		r := NewRegistry()
		r.Register("noop", &NoopExecutor{})

		ex, err := r.Lookup("noop")
		require.NoError(t, err)
		assert.NotNil(t, ex)
	})

	t.Run("UnknownTypeIsContractError", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Lookup("shell")
		require.Error(t, err)
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindContract, stepErr.Kind)
		assert.False(t, stepErr.Retryable)
	})

	t.Run("DefaultRegistryClasses", func(t *testing.T) {
		types := DefaultRegistry().Types()
		assert.ElementsMatch(t, []string{"http", "transform", "noop", "sleep"}, types)
	})
}

func TestNoopExecutor(t *testing.T) {
	ex := &NoopExecutor{}

	t.Run("PassesInputThrough", func(t *testing.T) {
		res, err := ex.Execute(context.Background(), model.StepExec{
			Input: json.RawMessage(`{"x":1}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1}`, string(res.Output))
	})

	t.Run("EmptyInput", func(t *testing.T) {
		res, err := ex.Execute(context.Background(), model.StepExec{})
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(res.Output))
	})
}

func TestSleepExecutor(t *testing.T) {
	ex := &SleepExecutor{}

	t.Run("SleepsForDuration", func(t *testing.T) {
		started := time.Now()
		_, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"duration": "20ms"},
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	})

	t.Run("BadDurationIsContractError", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"duration": "soon"},
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindContract, stepErr.Kind)
	})

	t.Run("CancelledMidSleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{"duration": "10s"},
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTransformExecutor(t *testing.T) {
	ex := &TransformExecutor{}

	t.Run("ReshapesInput", func(t *testing.T) {
		res, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"query": `{total: (.items | map(.price) | add), n: (.items | length)}`},
			Input:  json.RawMessage(`{"items":[{"price":3},{"price":4}]}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"total":7,"n":2}`, string(res.Output))
	})

	t.Run("MissingQuery", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), model.StepExec{})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindContract, stepErr.Kind)
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"query": ".foo["},
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindContract, stepErr.Kind)
	})

	t.Run("NonJSONInput", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"query": "."},
			Input:  json.RawMessage(`not json`),
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindContract, stepErr.Kind)
	})

	t.Run("QueryRuntimeError", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"query": ".a + 1"},
			Input:  json.RawMessage(`{"a":"str"}`),
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindPermanent, stepErr.Kind)
	})

	t.Run("EmptyEmissionIsNull", func(t *testing.T) {
		res, err := ex.Execute(context.Background(), model.StepExec{
			Params: map[string]any{"query": `.items[]`},
			Input:  json.RawMessage(`{"items":[]}`),
		})
		require.NoError(t, err)
		assert.Equal(t, "null", string(res.Output))
	})
}

func TestHTTPExecutor(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"hello":"world"}`))
		case "/echo":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"method":"` + r.Method + `"}`))
		case "/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer upstream.Close()

	ex := NewHTTPExecutor()
	ctx := context.Background()

	t.Run("GetWrapsStatusAndBody", func(t *testing.T) {
		res, err := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{"url": upstream.URL + "/ok"},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":200,"body":{"hello":"world"}}`, string(res.Output))
		assert.Greater(t, res.BytesOut, int64(0))
	})

	t.Run("MethodParam", func(t *testing.T) {
		res, err := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{
				"url":    upstream.URL + "/echo",
				"method": "post",
				"body":   map[string]any{"k": "v"},
			},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":200,"body":{"method":"POST"}}`, string(res.Output))
	})

	t.Run("ServerErrorIsRetryable", func(t *testing.T) {
		_, err := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{"url": upstream.URL + "/flaky"},
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindRetryable, stepErr.Kind)
		assert.True(t, stepErr.Retryable)
	})

	t.Run("ClientErrorIsPermanent", func(t *testing.T) {
		_, err := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{"url": upstream.URL + "/missing"},
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindPermanent, stepErr.Kind)
		assert.False(t, stepErr.Retryable)
	})

	t.Run("MissingURLIsContractError", func(t *testing.T) {
		_, err := ex.Execute(ctx, model.StepExec{Params: map[string]any{}})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindContract, stepErr.Kind)
	})

	t.Run("DisallowedHostRejectedBeforeConnect", func(t *testing.T) {
		before := hits.Load()
		_, err := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{"url": upstream.URL + "/ok"},
			Policy: model.NodePolicy{AllowedHosts: []string{"api.example.com"}},
		})
		var stepErr *model.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, model.ErrKindPermanent, stepErr.Kind)
		assert.Equal(t, before, hits.Load(), "blocked request must not reach the server")
	})

	t.Run("AllowedHostExactMatch", func(t *testing.T) {
		u, err := url.Parse(upstream.URL)
		require.NoError(t, err)
		res, execErr := ex.Execute(ctx, model.StepExec{
			Params: map[string]any{"url": upstream.URL + "/ok"},
			Policy: model.NodePolicy{AllowedHosts: []string{u.Hostname()}},
		})
		require.NoError(t, execErr)
		assert.NotNil(t, res)
	})
}

func TestCheckHostWildcard(t *testing.T) {
	allowed := []string{"*.example.com", "internal.corp"}

	assert.NoError(t, checkHost("api.example.com", allowed))
	assert.NoError(t, checkHost("deep.api.example.com", allowed))
	assert.NoError(t, checkHost("INTERNAL.CORP", allowed))
	assert.Error(t, checkHost("example.com", allowed), "wildcard must not match the bare apex")
	assert.Error(t, checkHost("evilexample.com", allowed))
	assert.NoError(t, checkHost("anything.at.all", nil))
}
