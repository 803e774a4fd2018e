package errs

import (
	"time"

	"github.com/google/uuid"
)

// now is indirected so tests can freeze time if ever needed.
var now = time.Now

func newID() string { return uuid.NewString() }
