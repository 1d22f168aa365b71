package logger_test

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"uvmm/logger"
)

func TestStdSinkLogsCurrentSnapshot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	orig := log.Writer()
	log.SetOutput(&buf)

	defer log.SetOutput(orig)

	sink := logger.NewStdSink(func() logger.Metrics {
		return logger.Metrics{VcpuExits: 7, NetRxBytes: 42}
	})

	if err := sink.LogMetrics(); err != nil {
		t.Fatalf("LogMetrics: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "vcpu_exits=7") || !strings.Contains(out, "net_rx=42") {
		t.Fatalf("LogMetrics output = %q, want it to contain the snapshot's counters", out)
	}
}

func TestStdSinkReadsFreshSnapshotEachCall(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	orig := log.Writer()
	log.SetOutput(&buf)

	defer log.SetOutput(orig)

	count := uint64(0)
	sink := logger.NewStdSink(func() logger.Metrics {
		count++

		return logger.Metrics{VcpuExits: count}
	})

	if err := sink.LogMetrics(); err != nil {
		t.Fatalf("LogMetrics: %v", err)
	}

	if err := sink.LogMetrics(); err != nil {
		t.Fatalf("LogMetrics: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "vcpu_exits=1") || !strings.Contains(out, "vcpu_exits=2") {
		t.Fatalf("LogMetrics output = %q, want counters to change between calls", out)
	}
}
