package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"shortrelay/internal/relay"
	logx "shortrelay/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error and tells the user the
// request died, so a /short never goes unanswered.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				logger := requestLogger(log, req)
				logger.Error("panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
				if req == nil || req.Adapter == nil {
					return
				}
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if rerr := req.Reply(rctx, "Error: internal error (ref "+req.ReqID+")"); rerr != nil {
					logger.Warn("panic reply failed", logx.Err(rerr))
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs one line per command. Pipeline failures carry the stage
// and item id so a user-reported request id maps to the failing step.
func MWRequestLog(log logx.Logger, slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("rid", req.ReqID),
				logx.String("cmd", req.Command),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			logger := requestLogger(log, req)
			if err != nil {
				var se *relay.StageError
				if errors.As(err, &se) {
					fields = append(fields, logx.String("stage", string(se.Stage)), logx.String("item", se.ID))
				}
				if errors.Is(err, context.DeadlineExceeded) {
					fields = append(fields, logx.Bool("timed_out", true))
				}
				logger.Warn("request failed", append(fields, logx.Err(err))...)
				return err
			}
			if slow > 0 && d >= slow {
				logger.Info("request ok", fields...)
			} else {
				logger.Debug("request ok", fields...)
			}
			return nil
		}
	}
}

func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}
