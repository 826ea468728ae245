package pool

import "time"

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name           string        `json:"name"`
	Driver         string        `json:"driver"`
	Open           int           `json:"open"`
	Idle           int           `json:"idle"`
	InUse          int           `json:"in_use"`
	Waiting        int           `json:"waiting"`
	MinConnections int           `json:"min_connections"`
	MaxConnections int           `json:"max_connections"`
	TotalCheckouts int64         `json:"total_checkouts"`
	WaitCount      int64         `json:"wait_count"`
	WaitDuration   time.Duration `json:"wait_duration_ns"`
	Exhausted      int64         `json:"exhausted"`
	Created        int64         `json:"created"`
	Destroyed      int64         `json:"destroyed"`
	Reconnects     int64         `json:"reconnects"`
}

// Stats returns statistics about the pool.
// Safe to call concurrently.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:           p.name,
		Driver:         p.driver,
		Open:           p.open,
		Idle:           len(p.free),
		InUse:          p.inUse,
		Waiting:        len(p.waiters),
		MinConnections: p.opts.MinConnections,
		MaxConnections: p.opts.MaxConnections,
		TotalCheckouts: p.stats.checkouts,
		WaitCount:      p.stats.waitCount,
		WaitDuration:   p.stats.waitDuration,
		Exhausted:      p.stats.exhausted,
		Created:        p.stats.created,
		Destroyed:      p.stats.destroyed,
		Reconnects:     p.stats.reconnects,
	}
}
