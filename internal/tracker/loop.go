package tracker

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrLoopStopped is returned by Do and View after Run has exited.
var ErrLoopStopped = errors.New("tracker: loop stopped")

// Loop serializes all engine access onto a single goroutine. Commands and
// views share one channel, so a view observes a consistent state between
// commands.
type Loop struct {
	engine *Engine
	clock  clockwork.Clock
	subs   chan submission
	done   chan struct{}
	log    zerolog.Logger
}

type submission struct {
	cmd   Command
	view  func(*Engine)
	reply chan submitReply
}

type submitReply struct {
	res Result
	err error
}

func NewLoop(engine *Engine, clock clockwork.Clock, queueSize int, log zerolog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Loop{
		engine: engine,
		clock:  clock,
		subs:   make(chan submission, queueSize),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "tracker-loop").Logger(),
	}
}

// Run consumes submissions until ctx is cancelled. It must be called exactly
// once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	l.log.Info().Msg("tracker loop started")

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued so accepted submissions are not
			// silently dropped on shutdown.
			for {
				select {
				case sub := <-l.subs:
					l.serve(sub)
				default:
					l.log.Info().
						Int64("sequence", l.engine.Sequence()).
						Int64("commands", l.engine.CommandSequence()).
						Msg("tracker loop stopped")
					return
				}
			}
		case sub := <-l.subs:
			l.serve(sub)
		}
	}
}

func (l *Loop) serve(sub submission) {
	if sub.view != nil {
		sub.view(l.engine)
		sub.reply <- submitReply{}
		return
	}

	res, err := l.engine.Apply(sub.cmd, l.clock.Now())
	if err != nil {
		l.log.Debug().
			Err(err).
			Str("command", sub.cmd.Name()).
			Str("key", sub.cmd.Key()).
			Msg("command rejected")
	}
	sub.reply <- submitReply{res: res, err: err}
}

// Do submits a command and waits for its result.
func (l *Loop) Do(ctx context.Context, cmd Command) (Result, error) {
	sub := submission{cmd: cmd, reply: make(chan submitReply, 1)}

	select {
	case l.subs <- sub:
	case <-l.done:
		return Result{}, ErrLoopStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case reply := <-sub.reply:
		return reply.res, reply.err
	case <-l.done:
		// The loop may have served this submission just before exiting.
		select {
		case reply := <-sub.reply:
			return reply.res, reply.err
		default:
			return Result{}, ErrLoopStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// View runs fn on the loop goroutine against a quiescent engine. fn must not
// retain the engine past its return.
func (l *Loop) View(ctx context.Context, fn func(*Engine)) error {
	sub := submission{view: fn, reply: make(chan submitReply, 1)}

	select {
	case l.subs <- sub:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-sub.reply:
		return nil
	case <-l.done:
		select {
		case <-sub.reply:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
