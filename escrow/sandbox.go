package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SandboxProcessor is an in-memory provider honouring idempotency keys. It
// backs local runs and tests; production wires a real provider adapter.
type SandboxProcessor struct {
	mu       sync.Mutex
	charges  map[string]sandboxEntry
	refunds  map[string]sandboxEntry
	declined map[string]bool
	latency  time.Duration
	calls    int
}

type sandboxEntry struct {
	result ProviderResult
	amount decimal.Decimal
}

func NewSandboxProcessor() *SandboxProcessor {
	return &SandboxProcessor{
		charges:  make(map[string]sandboxEntry),
		refunds:  make(map[string]sandboxEntry),
		declined: make(map[string]bool),
	}
}

// WithLatency delays every call; the operation is applied before the delay so
// a caller that times out still leaves a completed charge behind.
func (p *SandboxProcessor) WithLatency(d time.Duration) *SandboxProcessor {
	p.latency = d
	return p
}

// Decline makes every charge with the given method token fail permanently.
func (p *SandboxProcessor) Decline(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declined[token] = true
}

func (p *SandboxProcessor) Charge(ctx context.Context, req ChargeRequest) (ProviderResult, error) {
	p.mu.Lock()
	p.calls++
	if p.declined[req.Method.Token] {
		p.mu.Unlock()
		return ProviderResult{}, ErrDeclined
	}
	entry, ok := p.charges[req.IdempotencyKey]
	if !ok {
		entry = sandboxEntry{result: ProviderResult{Reference: "ch_" + uuid.NewString()}, amount: req.Amount}
		p.charges[req.IdempotencyKey] = entry
	}
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return ProviderResult{}, err
	}
	return entry.result, nil
}

func (p *SandboxProcessor) Refund(ctx context.Context, req RefundRequest) (ProviderResult, error) {
	p.mu.Lock()
	p.calls++
	entry, ok := p.refunds[req.IdempotencyKey]
	if !ok {
		if req.ProviderReference == "" {
			p.mu.Unlock()
			return ProviderResult{}, fmt.Errorf("escrow: sandbox refund without charge reference")
		}
		entry = sandboxEntry{result: ProviderResult{Reference: "re_" + uuid.NewString()}, amount: req.Amount}
		p.refunds[req.IdempotencyKey] = entry
	}
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return ProviderResult{}, err
	}
	return entry.result, nil
}

func (p *SandboxProcessor) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.latency):
		return nil
	}
}

// Charges reports how many distinct charges the sandbox has executed.
func (p *SandboxProcessor) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}

// Refunds reports how many distinct refunds the sandbox has executed.
func (p *SandboxProcessor) Refunds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refunds)
}

// RefundedAmount returns the amount refunded under key, if any.
func (p *SandboxProcessor) RefundedAmount(txID string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.refunds[refundKey(txID)]
	return e.amount, ok
}

// Calls counts every request, retries included.
func (p *SandboxProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
