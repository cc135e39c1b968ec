package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context cancelled on the first SIGINT or SIGTERM.
// Workers then finish their current step; a second signal exits immediately.
func CreateContextWithShutdown() context.Context {
	return contextWithShutdown(notifySignals(), func() { os.Exit(1) })
}

func notifySignals() <-chan os.Signal {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	return c
}

func contextWithShutdown(signals <-chan os.Signal, forceExit func()) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-signals
		log.Infof("Received %s, shutting down after in-flight work", sig)
		cancel()
		sig = <-signals
		log.Warnf("Received %s again, exiting without waiting", sig)
		forceExit()
	}()
	return ctx
}
