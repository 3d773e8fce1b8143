package bacnet

import "sync"

// Batch sizing defaults.
const (
	// defaultMinBatchSize is the floor a batch may shrink to.
	// Size 1 is equivalent to sequential reads.
	defaultMinBatchSize = 1

	// defaultGrowthThreshold is how many consecutive successful batch
	// reads a device needs before its batch size doubles again.
	defaultGrowthThreshold = 3
)

// BatchSizerConfig controls adaptive batch sizing.
type BatchSizerConfig struct {
	// Enabled toggles adaptation. When false every device always reads
	// at its full register count.
	Enabled bool

	// MinSize is the smallest batch the sizer will shrink to.
	// Default: 1.
	MinSize int

	// GrowthThreshold is the number of consecutive successes required
	// before the batch size doubles. Default: 3.
	GrowthThreshold int
}

// deviceBatchState is one device's adaptive sizing state.
type deviceBatchState struct {
	size                 int
	consecutiveSuccesses int
}

// BatchSizer adapts per-device batch-read sizes from timeout history.
//
// A device starts at its full register count. Each timeout halves the
// size down to MinSize; GrowthThreshold consecutive successes double it
// back up, capped at the register count. State is in-memory only: after
// a restart the worst case is one cycle of full-size retries.
//
// Safe for concurrent use; collection reads several devices in parallel.
type BatchSizer struct {
	mu      sync.Mutex
	cfg     BatchSizerConfig
	devices map[string]*deviceBatchState
}

// NewBatchSizer creates a sizer with defaults applied.
func NewBatchSizer(cfg BatchSizerConfig) *BatchSizer {
	if cfg.MinSize < 1 {
		cfg.MinSize = defaultMinBatchSize
	}
	if cfg.GrowthThreshold < 1 {
		cfg.GrowthThreshold = defaultGrowthThreshold
	}
	return &BatchSizer{
		cfg:     cfg,
		devices: make(map[string]*deviceBatchState),
	}
}

// Size returns the batch size to use for the next read against a device
// with registerCount configured registers. First call for a device
// starts at the full register count.
func (b *BatchSizer) Size(deviceID string, registerCount int) int {
	if registerCount < 1 {
		registerCount = 1
	}
	if !b.cfg.Enabled {
		return registerCount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.devices[deviceID]
	if !ok {
		state = &deviceBatchState{size: registerCount}
		b.devices[deviceID] = state
	}
	if state.size > registerCount {
		return registerCount
	}
	return state.size
}

// OnTimeout records a batch-read timeout: the device's size halves,
// never below MinSize, and its success streak resets. Called once per
// timeout event, not once per unanswered register.
func (b *BatchSizer) OnTimeout(deviceID string) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.devices[deviceID]
	if !ok {
		return
	}

	state.size /= 2
	if state.size < b.cfg.MinSize {
		state.size = b.cfg.MinSize
	}
	state.consecutiveSuccesses = 0
}

// OnSuccess records a successful batch read. After GrowthThreshold
// consecutive successes the size doubles, capped at registerCount.
func (b *BatchSizer) OnSuccess(deviceID string, registerCount int) {
	if !b.cfg.Enabled {
		return
	}
	if registerCount < 1 {
		registerCount = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.devices[deviceID]
	if !ok {
		return
	}

	state.consecutiveSuccesses++
	if state.consecutiveSuccesses < b.cfg.GrowthThreshold || state.size >= registerCount {
		return
	}

	state.size *= 2
	if state.size > registerCount {
		state.size = registerCount
	}
	state.consecutiveSuccesses = 0
}

// Sizes returns a snapshot of current per-device batch sizes, for the
// status surface.
func (b *BatchSizer) Sizes() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int, len(b.devices))
	for id, state := range b.devices {
		out[id] = state.size
	}
	return out
}
