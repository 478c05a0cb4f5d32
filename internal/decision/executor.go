package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs a runbook against an asset.
type Executor interface {
	Execute(ctx context.Context, runbookID, asset string) (ExecutionResult, error)
}

// HTTPExecutor posts runbook jobs to a remote automation endpoint.
type HTTPExecutor struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration

	breaker *gobreaker.CircuitBreaker
}

func NewHTTPExecutor(url string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		URL:     url,
		Client:  &http.Client{},
		Timeout: timeout,
		breaker: newBreaker("runbook-executor", logger),
	}
}

type executeRequest struct {
	RunbookID string `json:"runbook_id"`
	AssetName string `json:"asset_name"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, runbookID, asset string) (ExecutionResult, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.call(ctx, runbookID, asset)
	})
	if err != nil {
		return ExecutionResult{Success: false, Error: err.Error()}, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	return out.(ExecutionResult), nil
}

func (e *HTTPExecutor) call(ctx context.Context, runbookID, asset string) (ExecutionResult, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(executeRequest{RunbookID: runbookID, AssetName: asset})
	if err != nil {
		return ExecutionResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.Client.Do(req)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ExecutionResult{}, fmt.Errorf("executor status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var res ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return ExecutionResult{}, fmt.Errorf("decode execution result: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		res.Success = false
	}
	return res, nil
}

var errNoExecutor = errors.New("no runbook executor configured")

// UnconfiguredExecutor fails every run so incidents fall back to a technician.
type UnconfiguredExecutor struct{}

func (UnconfiguredExecutor) Execute(context.Context, string, string) (ExecutionResult, error) {
	return ExecutionResult{Success: false, Error: errNoExecutor.Error()}, errNoExecutor
}
