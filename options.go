package cmdstream

// Default engine configuration.
const (
	// DefaultBatchCapacity is the default command-buffer capacity per
	// batch in bytes. Sized like the ring-buffer chunk of a typical
	// kernel submission interface.
	DefaultBatchCapacity = 64 * 1024
)

// Option configures an Engine during creation.
//
// Example:
//
//	eng, err := cmdstream.New(transport,
//	    cmdstream.WithBatchCapacity(256*1024),
//	    cmdstream.WithFlushPolicy(cmdstream.ReferencedSizeLimit(64<<20)),
//	)
type Option func(*engineOptions)

// engineOptions holds optional configuration for Engine creation.
type engineOptions struct {
	batchCapacity int
	flushPolicy   FlushPolicy
}

// defaultOptions returns the default engine options.
func defaultOptions() engineOptions {
	return engineOptions{
		batchCapacity: DefaultBatchCapacity,
	}
}

// WithBatchCapacity sets the command-buffer capacity per batch in bytes.
// A command sequence larger than this fails with ErrCapacityExceeded.
func WithBatchCapacity(bytes int) Option {
	return func(o *engineOptions) {
		o.batchCapacity = bytes
	}
}

// WithFlushPolicy installs a policy that can force early submission of
// open batches. See [FlushPolicy]. Pass nil to disable (the default):
// batches then flush only on capacity, hazards, or explicit request.
func WithFlushPolicy(p FlushPolicy) Option {
	return func(o *engineOptions) {
		o.flushPolicy = p
	}
}
