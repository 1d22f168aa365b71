// Package logger defines the metrics contract the Action Controller and
// Event Loop Driver consume: a counter snapshot plus a sink interface the
// core calls through without owning the sink's internals.
package logger

import "log"

// Metrics is the counter snapshot FlushMetrics and the periodic
// WriteMetrics token both report through LogMetrics. Fields are counts
// accumulated since the previous flush; the sink decides how to reset
// them.
type Metrics struct {
	VcpuExits       uint64
	BlockReadBytes  uint64
	BlockWriteBytes uint64
	NetRxBytes      uint64
	NetTxBytes      uint64
}

// Sink receives metric dumps. The core never constructs one; it is
// configured by ConfigureLogger and invoked on flush.
type Sink interface {
	LogMetrics() error
}

// StdSink is the default Sink: one log line per flush, naming the counters
// of the snapshot returned by the function it was given at construction,
// called afresh on every flush. It exists so the Action Controller has a
// working default before a real metrics pipeline is wired up.
type StdSink struct {
	metrics func() Metrics
}

// NewStdSink returns a Sink that logs whatever snapshot get returns.
func NewStdSink(get func() Metrics) *StdSink {
	return &StdSink{metrics: get}
}

func (s *StdSink) LogMetrics() error {
	m := s.metrics()

	log.Printf("vmm metrics: vcpu_exits=%d block_read=%d block_write=%d net_rx=%d net_tx=%d",
		m.VcpuExits, m.BlockReadBytes, m.BlockWriteBytes, m.NetRxBytes, m.NetTxBytes)

	return nil
}
