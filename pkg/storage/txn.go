package storage

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/saber71/backend-storage/internal/storageapi"
)

// TxState is the lifecycle state of a Tx.
type TxState int32

const (
	TxUnopened TxState = iota
	TxOpen
	TxClosed
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxClosed:
		return "closed"
	default:
		return "unopened"
	}
}

const (
	outcomeCommit   = "commit"
	outcomeRollback = "rollback"
)

// Tx scopes calls under one transaction id. Every call made through a Tx
// carries the id as the tid query parameter. Exactly one completion signal is
// sent, by Commit, Rollback or End; afterwards every method returns
// ErrTxClosed without touching the network.
//
// Calls through an open Tx may run concurrently. A Tx cannot be reopened.
type Tx struct {
	client *Client
	id     string
	state  atomic.Int32
	span   trace.Span
	opened time.Time
}

// Begin opens a transaction scope with a freshly minted id.
func (c *Client) Begin(ctx context.Context) (*Tx, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("storage: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := c.newTID()
	if id == "" {
		return nil, errors.New("storage: transaction id generator returned an empty id")
	}
	return c.open(ctx, id), nil
}

// Resume opens a scope bound to an id minted elsewhere, for example by
// another process that shares the transaction. It behaves like a Tx from
// Begin: its calls carry tid and End sends the single completion signal.
func (c *Client) Resume(ctx context.Context, tid string) (*Tx, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("storage: client is nil")
	}
	if tid == "" {
		return nil, errors.New("storage: transaction id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.open(ctx, tid), nil
}

func (c *Client) open(ctx context.Context, id string) *Tx {
	tx := &Tx{
		client: c,
		id:     id,
		span:   c.telemetry.startTxn(ctx, id),
		opened: time.Now(),
	}
	tx.state.Store(int32(TxOpen))
	c.logger.Debug("storage.txn.begin", "tid", id)
	return tx
}

// ID returns the transaction id, or "" for a Tx not obtained from Begin.
func (t *Tx) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// State reports the lifecycle state.
func (t *Tx) State() TxState {
	if t == nil {
		return TxUnopened
	}
	return TxState(t.state.Load())
}

func (t *Tx) usable() error {
	if t == nil || t.client == nil {
		return ErrTxNotOpen
	}
	switch t.State() {
	case TxOpen:
		return nil
	case TxClosed:
		return ErrTxClosed
	default:
		return ErrTxNotOpen
	}
}

// context parents call spans under the transaction span unless ctx already
// carries one.
func (t *Tx) context(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.span != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		return trace.ContextWithSpan(ctx, t.span)
	}
	return ctx
}

// Save is Client.Save with the transaction id attached.
func (t *Tx) Save(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.client.write(t.context(ctx), opSave, storageapi.PathSave, t.id, payload, opts)
}

// Search is Client.Search with the transaction id attached.
func (t *Tx) Search(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.client.write(t.context(ctx), opSearch, storageapi.PathSearch, t.id, payload, opts)
}

// Delete is Client.Delete with the transaction id attached.
func (t *Tx) Delete(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.client.write(t.context(ctx), opDelete, storageapi.PathDelete, t.id, payload, opts)
}

// Update is Client.Update with the transaction id attached.
func (t *Tx) Update(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.client.write(t.context(ctx), opUpdate, storageapi.PathUpdate, t.id, payload, opts)
}

// Get is Client.Get with the transaction id attached. A tid key in params is
// replaced by the transaction id.
func (t *Tx) Get(ctx context.Context, params Params, opts ...CallOption) (*http.Response, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.client.get(t.context(ctx), t.id, params, opts)
}

// SetDefaultCollectionType is Client.SetDefaultCollectionType with the
// transaction id attached.
func (t *Tx) SetDefaultCollectionType(ctx context.Context, ct CollectionType, opts ...CallOption) (*http.Response, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.client.setDefaultType(t.context(ctx), t.id, ct, opts)
}

// Commit ends the transaction without the rollback flag.
func (t *Tx) Commit(ctx context.Context, opts ...CallOption) error {
	return t.End(ctx, false, opts...)
}

// Rollback ends the transaction with rollback=true.
func (t *Tx) Rollback(ctx context.Context, opts ...CallOption) error {
	return t.End(ctx, true, opts...)
}

// End closes the scope and sends the completion signal. The transaction is
// closed even when the signal fails. The call ignores cancellation of ctx
// and is bounded by the client's close timeout instead.
func (t *Tx) End(ctx context.Context, rollback bool, opts ...CallOption) error {
	if t == nil || t.client == nil {
		return ErrTxNotOpen
	}
	if !t.state.CompareAndSwap(int32(TxOpen), int32(TxClosed)) {
		if t.State() == TxClosed {
			return ErrTxClosed
		}
		return ErrTxNotOpen
	}
	c := t.client
	outcome := outcomeCommit
	if rollback {
		outcome = outcomeRollback
	}

	endCtx, cancel := c.completionContext(ctx)
	defer cancel()
	resp, err := c.EndTransaction(t.context(endCtx), t.id, rollback, opts...)
	Discard(resp)
	c.telemetry.endTxn(endCtx, t.span, outcome, err)
	if err != nil {
		c.logger.Warn("storage.txn.end.failed", "tid", t.id, "outcome", outcome, "error", err)
		return err
	}
	c.logger.Debug("storage.txn.end", "tid", t.id, "outcome", outcome, "elapsed", time.Since(t.opened))
	return nil
}

func (c *Client) completionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)
	if c.closeTimeout > 0 {
		return context.WithTimeout(detached, c.closeTimeout)
	}
	return context.WithCancel(detached)
}

// WithTransaction runs fn inside a transaction scope and always ends it:
// commit when fn returns nil, rollback when fn returns an error, panics or
// exits the goroutine. A panic is re-raised after the rollback is sent.
//
// When the rollback itself fails the result joins fn's error and the
// completion error; errors.Is and errors.As see both. If fn ends tx itself,
// nothing further is sent. opts apply to the completion call.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error, opts ...CallOption) error {
	if fn == nil {
		return errors.New("storage: transaction function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		_ = tx.End(ctx, true, opts...)
		if r != nil {
			panic(r)
		}
	}()
	fnErr := fn(trace.ContextWithSpan(ctx, tx.span), tx)
	returned = true

	endErr := tx.End(ctx, fnErr != nil, opts...)
	if errors.Is(endErr, ErrTxClosed) {
		endErr = nil
	}
	switch {
	case fnErr != nil && endErr != nil:
		return errors.Join(fnErr, endErr)
	case fnErr != nil:
		return fnErr
	default:
		return endErr
	}
}
