package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
)

const StaticName = "static"

// StaticProvider returns a fixed response, or a templated echo of the prompt when
// Response contains "{prompt}". Errs, when set, are returned in order before any
// success.
type StaticProvider struct {
	Response string
	Latency  time.Duration

	mu    sync.Mutex
	errs  []error
	calls []GenerateRequest
}

func NewStaticProvider(response string) *StaticProvider {
	return &StaticProvider{Response: response}
}

// FailNext queues errors returned by the next calls.
func (p *StaticProvider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, errs...)
}

func (p *StaticProvider) Calls() []GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]GenerateRequest(nil), p.calls...)
}

func (p *StaticProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var err error
	if len(p.errs) > 0 {
		err = p.errs[0]
		p.errs = p.errs[1:]
	}
	p.mu.Unlock()

	if p.Latency > 0 {
		select {
		case <-ctx.Done():
			return GenerateResult{}, apperrors.NewProviderTimeout(StaticName, ctx.Err())
		case <-time.After(p.Latency):
		}
	}
	if err != nil {
		return GenerateResult{}, err
	}
	text := strings.ReplaceAll(p.Response, "{prompt}", req.Prompt)
	promptTokens := len(strings.Fields(req.Prompt))
	responseTokens := len(strings.Fields(text))
	return GenerateResult{
		ResponseText:   text,
		PromptTokens:   &promptTokens,
		ResponseTokens: &responseTokens,
		LatencyMS:      int(p.Latency / time.Millisecond),
	}, nil
}
