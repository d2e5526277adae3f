package chatteam

import (
	"sync"
	"time"
)

// Speech detection defaults. The interval trades latency for polling cost;
// the threshold sits above keyboard and breathing noise on normalized levels.
const (
	DefaultSpeakingInterval  = 120 * time.Millisecond
	DefaultSpeakingThreshold = 0.12
)

// Smoothing factor for the per-source moving average. Higher reacts faster,
// lower suppresses single-sample spikes.
const speakingSmoothing = 0.5

// SpeakingDetector polls registered audio sources at a fixed interval and
// reports threshold crossings. Detection is purely local: each participant
// samples its own capture plus the decoded remote streams, and the result
// never crosses the wire, so two observers of the same speaker may disagree
// briefly. Callbacks fire only on transitions.
type SpeakingDetector struct {
	interval  time.Duration
	threshold float64
	onChange  func(uid string, speaking bool)

	mu      sync.Mutex
	sources map[string]func() float64
	avg     map[string]float64
	active  map[string]bool
	stop    chan struct{}
	stopped bool
}

// NewSpeakingDetector builds a detector. Call Start to begin polling.
func NewSpeakingDetector(interval time.Duration, threshold float64, onChange func(uid string, speaking bool)) *SpeakingDetector {
	return &SpeakingDetector{
		interval:  interval,
		threshold: threshold,
		onChange:  onChange,
		sources:   make(map[string]func() float64),
		avg:       make(map[string]float64),
		active:    make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start launches the polling loop.
func (d *SpeakingDetector) Start() {
	go d.run()
}

// AddSource registers a level source for a uid. level returns the current
// amplitude in [0, 1]; it must be safe to call from the polling goroutine.
func (d *SpeakingDetector) AddSource(uid string, level func() float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources[uid] = level
	d.avg[uid] = 0
}

// RemoveSource drops a uid. If the uid was marked speaking, a final false
// transition is reported so listeners never hold a stale indicator.
func (d *SpeakingDetector) RemoveSource(uid string) {
	d.mu.Lock()
	wasActive := d.active[uid]
	delete(d.sources, uid)
	delete(d.avg, uid)
	delete(d.active, uid)
	cb := d.onChange
	d.mu.Unlock()

	if wasActive && cb != nil {
		cb(uid, false)
	}
}

// Speaking reports the current detection state for a uid.
func (d *SpeakingDetector) Speaking(uid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[uid]
}

// Stop halts polling. Idempotent.
func (d *SpeakingDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.stop)
}

func (d *SpeakingDetector) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

// sample polls every source once and fires transitions outside the lock.
func (d *SpeakingDetector) sample() {
	type transition struct {
		uid      string
		speaking bool
	}
	var fired []transition

	d.mu.Lock()
	for uid, level := range d.sources {
		avg := d.avg[uid]*(1-speakingSmoothing) + level()*speakingSmoothing
		d.avg[uid] = avg
		speaking := avg >= d.threshold
		if speaking != d.active[uid] {
			d.active[uid] = speaking
			fired = append(fired, transition{uid, speaking})
		}
	}
	cb := d.onChange
	d.mu.Unlock()

	if cb == nil {
		return
	}
	for _, t := range fired {
		cb(t.uid, t.speaking)
	}
}
