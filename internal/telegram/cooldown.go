package telegram

import (
	"sync"
	"time"

	"github.com/rewired-gh/flowwatch/internal/models"
)

type cooldownKey struct {
	symbol    string
	narrative string
}

type sentAlert struct {
	at         time.Time
	conviction float64
}

// Cooldown suppresses repeat notifications for the same symbol and narrative inside a window,
// unless conviction has risen by at least minGain since the last one sent.
type Cooldown struct {
	mu      sync.Mutex
	window  time.Duration
	minGain float64
	sent    map[cooldownKey]sentAlert
}

// NewCooldown returns a cooldown filter. A non-positive window lets everything through.
func NewCooldown(window time.Duration, minGain float64) *Cooldown {
	return &Cooldown{
		window:  window,
		minGain: minGain,
		sent:    make(map[cooldownKey]sentAlert),
	}
}

// Filter returns the alerts that should be notified at now and records them as sent.
func (c *Cooldown) Filter(alerts []models.CompositeAlert, now time.Time) []models.CompositeAlert {
	if c.window <= 0 {
		return alerts
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, s := range c.sent {
		if now.Sub(s.at) >= c.window {
			delete(c.sent, k)
		}
	}

	var out []models.CompositeAlert
	for _, a := range alerts {
		k := cooldownKey{a.Symbol, a.NarrativeTag}
		if prev, ok := c.sent[k]; ok && a.ConvictionScore < prev.conviction+c.minGain {
			continue
		}
		c.sent[k] = sentAlert{at: now, conviction: a.ConvictionScore}
		out = append(out, a)
	}
	return out
}

// Len returns how many (symbol, narrative) pairs are currently cooling down.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
