package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery is the number of journal writes between snapshot compactions
	// (file driver). 0 means 1000.
	CompactEvery int
}

const defaultCompactEvery = 1000
