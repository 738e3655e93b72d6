package indicator

import (
	"context"
	"time"

	"binrange-core/internal/domain"
)

// Archive is the optional durable side-channel for computed values
// It is written to best-effort and never blocks
// or fails a cache lookup.
type Archive interface {
	AppendRSI(ctx context.Context, symbol string, v domain.RSIValue, at time.Time) error
	AppendPrice(ctx context.Context, symbol string, price float64, at time.Time) error
}

// NopArchive discards everything. It is the default when no archive
// backend is configured.
type NopArchive struct{}

func (NopArchive) AppendRSI(context.Context, string, domain.RSIValue, time.Time) error  { return nil }
func (NopArchive) AppendPrice(context.Context, string, float64, time.Time) error        { return nil }
