package service

import (
	"log/slog"
	"sync"
)

// Connectivity holds the platform online/offline signal. The agent never
// probes the network; the UI shell reports transitions.
type Connectivity struct {
	mu       sync.Mutex
	online   bool
	restored chan struct{}
	logger   *slog.Logger
}

func NewConnectivity(online bool, logger *slog.Logger) *Connectivity {
	return &Connectivity{
		online:   online,
		restored: make(chan struct{}, 1),
		logger:   logger,
	}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records the latest signal. An offline to online transition is
// announced on Restored; pending announcements are coalesced.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.mu.Unlock()

	if was == online {
		return
	}

	c.logger.Info("Connectivity changed", "online", online)
	if online {
		select {
		case c.restored <- struct{}{}:
		default:
		}
	}
}

// Restored delivers one value per offline to online transition.
func (c *Connectivity) Restored() <-chan struct{} {
	return c.restored
}
