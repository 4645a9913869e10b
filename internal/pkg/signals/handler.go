// Package signals turns termination signals into context cancellation for
// a scrub run.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/endorses/scrubcat/internal/pkg/constants"
	"github.com/endorses/scrubcat/internal/pkg/logger"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// SetupHandler cancels ctx on the first SIGINT, SIGTERM or SIGHUP so the
// run stops reading and the output capture is flushed. A second signal
// while that is in progress calls force.
// Returns a cleanup function that should be called when the signal handler is no longer needed
func SetupHandler(ctx context.Context, cancel context.CancelFunc, force func()) (cleanup func()) {
	sigCh := make(chan os.Signal, constants.SignalChannelBuffer)
	signal.Notify(sigCh, shutdownSignals...)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)

		select {
		case sig := <-sigCh:
			logger.Info("Received signal, flushing output", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		case <-stop:
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("Received second signal, exiting without flushing", "signal", sig.String())
			if force != nil {
				force()
			}
		case <-stop:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(stop)
		<-done
	}
}
