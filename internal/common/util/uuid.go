package util

import (
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var m sync.Mutex

func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// DefaultWorkerId identifies this process in shared stores. It is stable across
// restarts on the same host so that stale leases can be reclaimed at startup.
func DefaultWorkerId() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "worker-" + uuid.New().String()
	}
	return hostname
}
