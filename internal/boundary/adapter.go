// Package boundary is the BoundaryAdapter (C10): one method per
// command the trading core exposes, each returning the
// {success, data, error, timestamp} envelope. It has no transport of
// its own — an HTTP, RPC or CLI layer calls into it directly.
package boundary

import (
	"context"
	"fmt"
	"time"

	"binrange-core/internal/config"
	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
	"binrange-core/internal/indicator"
	"binrange-core/internal/position"
	"binrange-core/internal/store"
	"binrange-core/internal/wallet"
)

// Response is the envelope every Adapter method returns.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	kind coreerr.Kind // classified error kind, used only by HTTPStatus
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data, Timestamp: time.Now()}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error(), Timestamp: time.Now()}
}

// HTTPStatus maps a Response produced by this package to a
// {400 validation, 429 rate-limit, 500 otherwise} scheme. Callers that
// embed an HTTP transport can use this directly; Adapter itself never
// depends on net/http.
func HTTPStatus(r Response) int {
	if r.Success {
		return 200
	}
	switch {
	case r.kind == coreerr.Validation:
		return 400
	case r.kind == coreerr.RateLimited:
		return 429
	default:
		return 500
	}
}

// Adapter wires the command surface to the underlying components.
type Adapter struct {
	cfg       *config.Store
	positions *store.PositionStore
	manager   *position.Manager
	wallet    *wallet.Service
	indicator *indicator.Cache
}

// New creates an Adapter over the already-constructed components.
func New(cfg *config.Store, positions *store.PositionStore, manager *position.Manager, w *wallet.Service, ind *indicator.Cache) *Adapter {
	return &Adapter{cfg: cfg, positions: positions, manager: manager, wallet: w, indicator: ind}
}

// GetPositions returns up to limit positions (0 = unbounded) ordered
// by created_at, ascending or descending.
func (a *Adapter) GetPositions(limit int, order string) Response {
	all := a.positions.AllSortedByCreatedAtDesc(0)
	if order == "asc" {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return ok(all)
}

// CreatePosition validates and opens a new position for tf. The
// minimum-amount rule is enforced inside PositionManager.Create.
func (a *Adapter) CreatePosition(ctx context.Context, tf domain.Timeframe, side domain.Side, amount float64) Response {
	if !tf.Valid() {
		return failWithResponse(coreerr.New(coreerr.Validation, "boundary.create_position", fmt.Errorf("unknown timeframe %q", tf)))
	}
	pos, err := a.manager.Create(ctx, tf, side, amount)
	if err != nil {
		return failWithResponse(err)
	}
	return ok(pos)
}

// ClosePosition closes the position with id.
func (a *Adapter) ClosePosition(ctx context.Context, id string) Response {
	result, err := a.manager.Close(ctx, id, false)
	if err != nil {
		return failWithResponse(err)
	}
	return ok(result)
}

// SyncPositions reconciles every ACTIVE position against chain state.
func (a *Adapter) SyncPositions(ctx context.Context) Response {
	updated, total, err := a.manager.SyncWithChain(ctx)
	if err != nil {
		return failWithResponse(err)
	}
	return ok(map[string]int{"updated": updated, "total": total})
}

// GetBalance returns the current (possibly cached) wallet balance.
func (a *Adapter) GetBalance(ctx context.Context) Response {
	bal, err := a.wallet.Balance(ctx)
	if err != nil {
		return failWithResponse(err)
	}
	return ok(bal)
}

// GetBalanceHistory returns the persisted balance-snapshot history,
// optionally limited to the last `limit` entries and/or `hours` hours.
func (a *Adapter) GetBalanceHistory(ctx context.Context, limit int, hours int) Response {
	snapshots, err := a.wallet.History(ctx)
	if err != nil {
		return failWithResponse(err)
	}

	if hours > 0 {
		cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
		filtered := snapshots[:0:0]
		for _, s := range snapshots {
			if !s.Timestamp.Before(cutoff) {
				filtered = append(filtered, s)
			}
		}
		snapshots = filtered
	}
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[len(snapshots)-limit:]
	}
	return ok(snapshots)
}

// GetRSI returns the RSI for a single timeframe, or for every enabled
// timeframe when tf is nil.
func (a *Adapter) GetRSI(ctx context.Context, symbol string, tf *domain.Timeframe, enabledTFs []domain.Timeframe) Response {
	cfg := a.cfg.Get()
	th := indicator.Thresholds{Oversold: cfg.Oversold, Overbought: cfg.Overbought}

	if tf != nil {
		v, err := a.indicator.RSI(ctx, symbol, *tf, cfg.RSIPeriod, false, th)
		if err != nil {
			return failWithResponse(err)
		}
		return ok(v)
	}
	return ok(a.indicator.RSIAll(ctx, symbol, enabledTFs, cfg.RSIPeriod, false, th))
}

// GetPrice returns the current spot price for symbol.
func (a *Adapter) GetPrice(ctx context.Context, symbol string) Response {
	price, err := a.indicator.SpotPrice(ctx, symbol)
	if err != nil {
		return failWithResponse(err)
	}
	return ok(map[string]float64{"price": price})
}

// GetConfig returns the current configuration snapshot.
func (a *Adapter) GetConfig() Response {
	return ok(a.cfg.Get())
}

// UpdateConfig applies a partial update to the live-updatable config
// fields. config.Patch carries no immutable field, so none can change
// here; an out-of-range value is rejected by config.Store.UpdatePartial
// as a validation error.
func (a *Adapter) UpdateConfig(p config.Patch) Response {
	if err := a.cfg.UpdatePartial(p); err != nil {
		return failWithResponse(coreerr.New(coreerr.Validation, "boundary.update_config", err))
	}
	return ok(a.cfg.Get())
}

// failWithResponse is fail, plus the classified kind HTTPStatus reads.
func failWithResponse(err error) Response {
	r := fail(err)
	r.kind = coreerr.KindOf(err)
	return r
}
