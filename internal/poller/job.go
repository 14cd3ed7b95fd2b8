package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/reader"
)

// resultBatch is the unit of work of the result pool: the results of one
// query of one fire.
type resultBatch struct {
	FireID  string
	Server  *model.Server
	Query   *model.Query
	Results []model.Result
}

// queryProcessor returns the query pool's task function. It reads every query
// of the fired server in order and submits each non-empty batch to the
// result pool. A failed read only costs that query's results.
func queryProcessor(r reader.Reader, submit func(resultBatch) error, logger *slog.Logger) func(context.Context, *Fire) error {
	logger = logger.With("component", "query_task")

	return func(ctx context.Context, f *Fire) error {
		defer f.Done()

		server := f.Job.Server
		for _, query := range server.Queries {
			if err := ctx.Err(); err != nil {
				return err
			}

			results, err := r.Read(ctx, server, query)
			if err != nil {
				logger.Warn("query failed",
					"fire_id", f.ID,
					"server", server.String(),
					"query", query.String(),
					"error", err,
				)
				continue
			}
			if len(results) == 0 {
				continue
			}

			if err := submit(resultBatch{FireID: f.ID, Server: server, Query: query, Results: results}); err != nil {
				return fmt.Errorf("failed to submit results of %s: %w", query, err)
			}
		}
		return nil
	}
}

// resultProcessor returns the result pool's task function. Every writer of
// the query gets the batch in order; a failing writer does not keep the
// others from running.
func resultProcessor(logger *slog.Logger) func(context.Context, resultBatch) error {
	logger = logger.With("component", "result_task")

	return func(ctx context.Context, b resultBatch) error {
		failed := 0
		for _, w := range b.Query.Writers {
			if err := safeWrite(ctx, w, b, logger); err != nil {
				failed++
				logger.Error("writer failed",
					"fire_id", b.FireID,
					"writer", output.NameOf(w),
					"server", b.Server.String(),
					"query", b.Query.String(),
					"error", err,
				)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d writers failed for %s", failed, len(b.Query.Writers), b.Query)
		}
		return nil
	}
}

// safeWrite calls w.Write, turning an error or panic into a *WriteError.
func safeWrite(ctx context.Context, w output.Writer, b resultBatch, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			id := uuid.NewString()
			logger.Error("writer panicked",
				"correlation_id", id,
				"writer", output.NameOf(w),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &output.WriteError{
				Writer:        output.NameOf(w),
				Server:        b.Server.String(),
				Query:         b.Query.String(),
				CorrelationID: id,
				Err:           fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if werr := w.Write(ctx, b.Server, b.Query, b.Results); werr != nil {
		return &output.WriteError{
			Writer: output.NameOf(w),
			Server: b.Server.String(),
			Query:  b.Query.String(),
			Err:    werr,
		}
	}
	return nil
}
