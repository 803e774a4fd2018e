package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reservation is a commitment to honor Count tokens at ExecuteAt, valid
// until ExpiresAt. Reservations are single-use: executing or cancelling
// removes them from the registry.
type Reservation struct {
	ID        string
	Key       string
	Count     float64
	ExecuteAt time.Time
	ExpiresAt time.Time
	ShardID   int
}

// ReservationOutcome is the result of ExecuteReservation.
type ReservationOutcome int

const (
	ReservationExecuted ReservationOutcome = iota
	ReservationNotFound
	ReservationExpired
	ReservationNotReady
)

type reservationRegistry struct {
	mu    sync.Mutex
	items map[string]*Reservation
}

func newReservationRegistry() *reservationRegistry {
	return &reservationRegistry{items: make(map[string]*Reservation)}
}

func (r *reservationRegistry) put(res *Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[res.ID] = res
}

func (r *reservationRegistry) get(id string) (*Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.items[id]
	return res, ok
}

func (r *reservationRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// countForShard returns the number of live reservations currently bound to
// shardID, used to decide when a draining shard has no outstanding
// reservations left and can be taken out of drain.
func (r *reservationRegistry) countForShard(shardID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.items {
		if res.ShardID == shardID {
			n++
		}
	}
	return n
}

func newReservationID() string { return uuid.NewString() }
