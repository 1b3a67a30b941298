package p2p

import "testing"

func TestNewMetricsIsASingleton(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a != b {
		t.Fatalf("expected NewMetrics to return the same instance both times")
	}
}

func TestMetricsMethodsTolerateNilReceiver(t *testing.T) {
	var m *Metrics
	m.SetActivePeers(1)
	m.SetSuspendedPeers(1)
	m.SetNetworkHeight(1)
	m.SetPBFTForgingRatio(0.5)
}
