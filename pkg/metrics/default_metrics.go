//go:build metrics

package metrics

// Default returns the collector the engine uses when none is injected.
func Default() Collector {
	return NewCollector()
}
