// Package stop provides the cooperative stop token shared by long running
// jobs and the signal wiring that drives it.
package stop

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by a job that ended early on a graceful stop request.
var ErrStopped = errors.New("stopped on request")

// Token is a graceful stop request flag. Jobs poll it at safe boundaries.
// It is safe for concurrent use.
type Token struct {
	requested atomic.Bool
}

// NewToken creates a token with no stop requested.
func NewToken() *Token {
	return &Token{}
}

// Request asks the job to stop at the next safe boundary.
func (t *Token) Request() {
	t.requested.Store(true)
}

// Requested reports whether a stop was requested. A nil token never stops.
func (t *Token) Requested() bool {
	return t != nil && t.requested.Load()
}

// Notify relays SIGINT and SIGTERM: the first signal requests a graceful stop
// on token, a second one calls cancel. The returned function stops the relay.
func Notify(token *Token, cancel context.CancelFunc) (stopFn func()) {
	return notify(token, cancel, os.Interrupt, syscall.SIGTERM)
}

func notify(token *Token, cancel context.CancelFunc, sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})

	go func() {
		count := 0
		for {
			select {
			case sig := <-ch:
				count++
				if count == 1 {
					log.Warn().Str("signal", sig.String()).Msg("Stop requested - finishing current unit of work")
					token.Request()
					continue
				}
				log.Error().Str("signal", sig.String()).Msg("Second signal - aborting")
				cancel()
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
