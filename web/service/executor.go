package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/metrics"
)

// retryDelays is the wait before each attempt. Its length is the attempt budget.
var retryDelays = []time.Duration{0, time.Second, 3 * time.Second}

// rateLimitInterval spaces consecutive remote operations in a batch.
const rateLimitInterval = 333 * time.Millisecond

// OpResult is the outcome of one remote operation after retries.
type OpResult struct {
	Success   bool   `json:"success"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`

	err error
}

// Err returns the error of the last attempt.
func (r OpResult) Err() error {
	return r.err
}

// RemoteExecutor runs provider calls with a fixed retry schedule. It never panics and
// never returns an error; callers inspect the OpResult.
type RemoteExecutor struct {
	delays []time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRemoteExecutor() *RemoteExecutor {
	return &RemoteExecutor{
		delays: retryDelays,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute calls fn until it succeeds or the attempt budget is spent.
// Configuration errors are not retried.
func (e *RemoteExecutor) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) OpResult {
	var res OpResult
	for i, delay := range e.delays {
		if delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				res.err = err
				res.LastError = err.Error()
				break
			}
		}
		res.Attempts = i + 1
		err := e.attempt(ctx, fn)
		if err == nil {
			res.Success = true
			res.err = nil
			res.LastError = ""
			break
		}
		res.err = err
		res.LastError = err.Error()
		logger.Debugf("remote %s attempt %d/%d failed: %v", op, i+1, len(e.delays), err)
		if errors.Is(err, provider.ErrConfiguration) {
			break
		}
	}

	result := "success"
	if !res.Success {
		result = "failure"
		logger.Warningf("remote %s failed after %d attempts: %s", op, res.Attempts, res.LastError)
	}
	metrics.RemoteOps.WithLabelValues(op, result).Inc()
	metrics.RemoteAttempts.WithLabelValues(op).Observe(float64(res.Attempts))
	return res
}

func (e *RemoteExecutor) attempt(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// RateLimit waits before the index-th operation of a batch. The first one never waits.
func (e *RemoteExecutor) RateLimit(ctx context.Context, index int) {
	if index <= 0 {
		return
	}
	_ = e.sleep(ctx, rateLimitInterval)
}

func opName(action string, panelType model.PanelType) string {
	return action + ":" + string(panelType)
}

func idLabel(id int) string {
	return strconv.Itoa(id)
}
