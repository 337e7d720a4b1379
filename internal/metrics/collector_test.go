package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRouter struct {
	pending, links int
}

func (f fakeRouter) PendingCount() int { return f.pending }
func (f fakeRouter) LinkCount() int    { return f.links }

type fakeAcceptor struct {
	accepted, rejected uint64
	pending            int
}

func (f fakeAcceptor) Accepted() uint64 { return f.accepted }
func (f fakeAcceptor) Rejected() uint64 { return f.rejected }
func (f fakeAcceptor) Pending() int     { return f.pending }

func TestCollectorReportsRouterAndAcceptorGauges(t *testing.T) {
	c := NewCollector(fakeRouter{pending: 3, links: 42}, fakeAcceptor{accepted: 10, rejected: 2, pending: 1}, nil)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := `
# HELP relay_pending_logins Number of login admissions currently in flight.
# TYPE relay_pending_logins gauge
relay_pending_logins 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "relay_pending_logins"); err != nil {
		t.Errorf("unexpected collected metrics: %v", err)
	}
}

func TestCollectorSkipsNilSources(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather with nil sources: %v", err)
	}
}
