// Package rpcexec is the RpcExecutor: a serialized, rate-limited front
// door onto a Solana RPC node. Every read is funneled through a single
// worker so reads never run concurrently and are paced at least the
// executor's pacing interval (250ms by default) apart; every submission retries with fresh blockhashes and
// classifies on-chain faults into retry-or-fail.
package rpcexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/observability"
	"binrange-core/internal/solana"
)

const (
	defaultPacing         = 250 * time.Millisecond
	defaultMaxRetries     = 5
	defaultBaseBackoff    = 5 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultSubmitAttempts = 5
	defaultConfirmTimeout = 3 * time.Minute
	defaultPollInterval   = 1 * time.Second
)

// TxBuilder produces a fully-signed, base64-encoded transaction against
// the given blockhash. TxBuilders come from a pool.InstructionBuilder,
// which knows the AMM program's instruction layout (this module ships
// no InstructionBuilder implementation); rpcexec only knows how to
// get the transaction on-chain and confirmed.
type TxBuilder func(bh *solana.Blockhash) (string, error)

// readJob is one entry in the serialized read queue.
type readJob struct {
	fn     func(context.Context) (interface{}, error)
	ctx    context.Context
	result chan readResult
}

type readResult struct {
	val interface{}
	err error
}

// Executor is the RpcExecutor (C4).
type Executor struct {
	rpc       solana.RPCClient
	blockhash *solana.BlockhashCache
	logger    *log.Logger

	pacing      time.Duration
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	submitAttempts int
	confirmTimeout time.Duration
	pollInterval   time.Duration

	jobs chan readJob
}

// Option configures Executor.
type Option func(*Executor)

func WithPacing(d time.Duration) Option       { return func(e *Executor) { e.pacing = d } }
func WithMaxRetries(n int) Option             { return func(e *Executor) { e.maxRetries = n } }
func WithSubmitAttempts(n int) Option         { return func(e *Executor) { e.submitAttempts = n } }
func WithConfirmTimeout(d time.Duration) Option { return func(e *Executor) { e.confirmTimeout = d } }
func WithLogger(l *log.Logger) Option         { return func(e *Executor) { e.logger = l } }

// New creates an Executor and starts its read-queue worker. blockhash
// may be nil; Submit then fetches a fresh blockhash directly via rpc on
// every attempt instead of reading a WS-warmed cache.
func New(rpc solana.RPCClient, blockhash *solana.BlockhashCache, opts ...Option) *Executor {
	e := &Executor{
		rpc:            rpc,
		blockhash:      blockhash,
		logger:         log.New(log.Writer(), "[rpcexec] ", log.LstdFlags),
		pacing:         defaultPacing,
		maxRetries:     defaultMaxRetries,
		baseBackoff:    defaultBaseBackoff,
		maxBackoff:     defaultMaxBackoff,
		submitAttempts: defaultSubmitAttempts,
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
		jobs:           make(chan readJob, 256),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.worker()
	return e
}

// worker drains the read queue one job at a time, pacing consecutive
// calls by at least e.pacing.
func (e *Executor) worker() {
	for job := range e.jobs {
		val, err := e.callWithRetry(job.ctx, job.fn)
		job.result <- readResult{val: val, err: err}
		time.Sleep(e.pacing)
	}
}

// read enqueues fn on the serialized queue and blocks for its result.
func (e *Executor) read(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	job := readJob{fn: fn, ctx: ctx, result: make(chan readResult, 1)}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callWithRetry retries fn up to e.maxRetries times on RateLimited or
// Transient faults, backing off 2^n * baseBackoff capped at maxBackoff.
// Any other error kind surfaces immediately.
func (e *Executor) callWithRetry(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.baseBackoff * time.Duration(1<<uint(attempt-1))
			if delay > e.maxBackoff {
				delay = e.maxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}

		kind := coreerr.KindOf(err)
		if kind != coreerr.RateLimited && kind != coreerr.Transient {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("rpcexec: retries exhausted: %w", lastErr)
}

// GetAccountInfo reads account info through the serialized queue.
func (e *Executor) GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error) {
	start := time.Now()
	v, err := e.read(ctx, func(ctx context.Context) (interface{}, error) {
		return e.rpc.GetAccountInfo(ctx, pubkey)
	})
	observability.RecordRPCCall("getAccountInfo", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*solana.AccountInfo), nil
}

// GetSlot reads the current slot through the serialized queue.
func (e *Executor) GetSlot(ctx context.Context) (int64, error) {
	start := time.Now()
	v, err := e.read(ctx, func(ctx context.Context) (interface{}, error) {
		return e.rpc.GetSlot(ctx)
	})
	observability.RecordRPCCall("getSlot", time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetSignatureStatuses reads confirmation statuses through the
// serialized queue.
func (e *Executor) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*solana.SignatureStatus, error) {
	start := time.Now()
	v, err := e.read(ctx, func(ctx context.Context) (interface{}, error) {
		return e.rpc.GetSignatureStatuses(ctx, sigs)
	})
	observability.RecordRPCCall("getSignatureStatuses", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return v.([]*solana.SignatureStatus), nil
}

// Submit implements the transaction-submission protocol:
// up to submitAttempts tries, a fresh blockhash each time, send with
// skipPreflight=false and poll for confirmation up to confirmTimeout.
// Retriable faults wait attempt*2s before the next try.
func (e *Executor) Submit(ctx context.Context, build TxBuilder, label string) (string, error) {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= e.submitAttempts; attempt++ {
		sig, err := e.submitOnce(ctx, build, label, attempt)
		if err == nil {
			observability.RecordTxSubmission("confirmed", time.Since(start).Seconds())
			return sig, nil
		}
		lastErr = err

		if !isRetriableSubmitError(err) {
			observability.RecordTxSubmission("failed", 0)
			return "", fmt.Errorf("rpcexec: submit %q: %w", label, err)
		}

		wait := time.Duration(attempt) * 2 * time.Second
		select {
		case <-ctx.Done():
			observability.RecordTxSubmission("cancelled", 0)
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	observability.RecordTxSubmission("exhausted", 0)
	return "", fmt.Errorf("rpcexec: submit %q exhausted %d attempts: %w", label, e.submitAttempts, lastErr)
}

func (e *Executor) submitOnce(ctx context.Context, build TxBuilder, label string, attempt int) (string, error) {
	bh, err := e.latestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch blockhash: %w", err)
	}

	txBase64, err := build(bh)
	if err != nil {
		return "", fmt.Errorf("build tx: %w", err)
	}

	sig, err := e.rpc.SendTransaction(ctx, txBase64, false)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	if err := e.confirm(confirmCtx, sig); err != nil {
		e.logger.Printf("submit %s attempt %d: confirm: %v", label, attempt, err)
		return "", err
	}

	return sig, nil
}

func (e *Executor) latestBlockhash(ctx context.Context) (*solana.Blockhash, error) {
	if e.blockhash != nil {
		return e.blockhash.Get(ctx)
	}
	return e.rpc.GetLatestBlockhash(ctx)
}

// confirm polls GetSignatureStatuses until sig reaches "confirmed" or
// better, or ctx expires.
func (e *Executor) confirm(ctx context.Context, sig string) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		statuses, err := e.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) == 1 && statuses[0] != nil {
			if statuses[0].Err != nil {
				return fmt.Errorf("on-chain error: %v", statuses[0].Err)
			}
			if statuses[0].Confirmed() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// isRetriableSubmitError reports whether a submit failure should be
// retried with a fresh blockhash rather than surfaced to the caller.
func isRetriableSubmitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	kind := coreerr.KindOf(err)
	if kind == coreerr.RateLimited || kind == coreerr.Transient {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "block height exceeded") ||
		strings.Contains(msg, "Blockhash not found") ||
		strings.Contains(msg, "confirmation timeout")
}
