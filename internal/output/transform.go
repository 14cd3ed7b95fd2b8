package output

import (
	"context"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output/pool"
)

// BooleanToNumber wraps w so that bool values reach it as 1 or 0. Results
// are copied; the caller's batch is left untouched.
func BooleanToNumber(w Writer) Writer {
	return &boolToNumber{Writer: w}
}

type boolToNumber struct {
	Writer
}

func (b *boolToNumber) Name() string { return NameOf(b.Writer) }

func (b *boolToNumber) Write(ctx context.Context, server *model.Server, query *model.Query, results []model.Result) error {
	converted := make([]model.Result, len(results))
	for i, r := range results {
		c := r.Clone()
		for k, v := range c.Values {
			if bv, ok := v.(bool); ok {
				if bv {
					c.Values[k] = 1
				} else {
					c.Values[k] = 0
				}
			}
		}
		converted[i] = c
	}
	return b.Writer.Write(ctx, server, query, converted)
}

// Unwrap returns the wrapped writer.
func (b *boolToNumber) Unwrap() Writer { return b.Writer }

func (b *boolToNumber) PoolStats() (pool.Stats, bool) {
	if ps, ok := b.Writer.(PoolStatter); ok {
		return ps.PoolStats()
	}
	return pool.Stats{}, false
}
