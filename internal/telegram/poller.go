package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// UpdateSource is the long-poll half of the client.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// Poller feeds updates to a handler one at a time, advancing the offset
// past every update it has handed over.
type Poller struct {
	source  UpdateSource
	timeout int
	backoff time.Duration
	offset  int64
	logger  *slog.Logger
}

// NewPoller creates a Poller. If timeout is <= 0, it defaults to 20 seconds.
func NewPoller(source UpdateSource, timeout int) *Poller {
	if timeout <= 0 {
		timeout = 20
	}
	return &Poller{source: source, timeout: timeout, backoff: 2 * time.Second, logger: slog.Default()}
}

// Run polls until ctx is cancelled. Errors are logged and retried after a
// short pause.
func (p *Poller) Run(ctx context.Context, handle func(context.Context, Update)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.PollOnce(ctx, handle); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
		}
	}
}

// PollOnce fetches one batch and hands each update to handle.
func (p *Poller) PollOnce(ctx context.Context, handle func(context.Context, Update)) error {
	updates, err := p.source.GetUpdates(ctx, p.offset, p.timeout)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		handle(ctx, u)
	}
	return nil
}

// Offset returns the next update id to request.
func (p *Poller) Offset() int64 {
	return p.offset
}
