package util

import (
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Resources closes named resources in the reverse order they were added.
type Resources struct {
	names   []string
	closers []io.Closer
}

func (r *Resources) Add(name string, c io.Closer) {
	r.names = append(r.names, name)
	r.closers = append(r.closers, c)
}

// CloseAll closes every resource, logging and collecting failures. It is safe to call
// more than once.
func (r *Resources) CloseAll() error {
	var result *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			log.WithError(err).Warnf("Failed to close %s cleanly", r.names[i])
			result = multierror.Append(result, errors.Wrapf(err, "closing %s", r.names[i]))
		}
	}
	r.names, r.closers = nil, nil
	return result.ErrorOrNil()
}

// CloseFunc adapts a close function returning nothing.
type CloseFunc func()

func (f CloseFunc) Close() error {
	f()
	return nil
}
