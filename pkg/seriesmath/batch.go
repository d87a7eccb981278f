package seriesmath

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/sourcegraph/conc/pool"
)

// PanelRequest is one panel's input to EvaluatePanels.
type PanelRequest struct {
	Response Response `json:"response"`
	Panel    Panel    `json:"panel"`
}

// PanelResult is the outcome of one PanelRequest. Exactly one of Response and
// Err is set.
type PanelResult struct {
	PanelID  string
	Response Response
	Err      error
}

// EvaluatePanels evaluates independent panels concurrently. At most
// Limits.MaxConcurrentPanels run at once and each is bounded by
// Limits.MaxEvaluationTime. Results are returned in request order; a failing
// or panicking panel only affects its own result.
func (p *Processor) EvaluatePanels(ctx context.Context, requests []PanelRequest) []PanelResult {
	results := make([]PanelResult, len(requests))
	if len(requests) == 0 {
		return results
	}

	workers := p.limits.MaxConcurrentPanels
	if workers <= 0 {
		workers = 1
	}
	wp := pool.New().WithMaxGoroutines(workers)

	for i := range requests {
		wp.Go(func() {
			results[i] = p.evaluatePanel(ctx, requests[i])
		})
	}
	wp.Wait()

	return results
}

func (p *Processor) evaluatePanel(ctx context.Context, req PanelRequest) (result PanelResult) {
	result.PanelID = req.Panel.ID

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panel evaluation panicked",
				slog.String("panel", req.Panel.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result.Response = nil
			result.Err = fmt.Errorf("panel %s: panic: %v", req.Panel.ID, r)
		}
	}()

	if p.limits.MaxEvaluationTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.MaxEvaluationTime)
		defer cancel()
	}

	resp, err := p.Evaluate(ctx, req.Response, req.Panel)
	if err != nil {
		p.logger.Warn("panel evaluation failed", slog.String("panel", req.Panel.ID), slog.Any("error", err))
		result.Err = err
		return result
	}
	result.Response = resp
	return result
}
