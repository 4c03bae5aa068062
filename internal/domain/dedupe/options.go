package dedupe

// Option applies a configuration option to the ring deduper.
type Option func(*ringDeduper)

// WithMaxSize bounds the number of IDs kept. maxSize <= 0 disables eviction.
func WithMaxSize(maxSize int) Option {
	return func(d *ringDeduper) {
		d.maxSize = maxSize
	}
}
