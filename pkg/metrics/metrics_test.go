package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	oldReg, oldGather := DefaultRegisterer, DefaultGatherer
	DefaultRegisterer, DefaultGatherer = reg, reg
	t.Cleanup(func() {
		DefaultRegisterer, DefaultGatherer = oldReg, oldGather
	})

	Register()
	RequestsTotal.WithLabelValues("lookup", "ok").Inc()
	require.InDelta(t, 1, testutil.ToFloat64(RequestsTotal.WithLabelValues("lookup", "ok")), 0)

	families, err := DefaultGatherer.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	require.Panics(t, Register, "collectors must not register twice")
}
