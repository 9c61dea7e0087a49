package ids

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for message ids and correlation ids.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ConsumerTag builds a broker-unique consumer tag for the unit at index on queue.
func ConsumerTag(queue string, index int) string {
	return queue + "-" + strconv.Itoa(index) + "-" + CreateULID()
}
