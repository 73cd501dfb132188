package config

import "testing"

func TestReplicaHostsOmitsUnset(t *testing.T) {
	t.Setenv("S1", "10.0.0.1")
	t.Setenv("S2", "")
	t.Setenv("S3", "10.0.0.3")

	hosts := ReplicaHosts()
	if hosts["S1"] != "10.0.0.1" {
		t.Errorf("S1 = %q, want 10.0.0.1", hosts["S1"])
	}
	if _, ok := hosts["S2"]; ok {
		t.Errorf("S2 should be omitted when unset")
	}
	if hosts["S3"] != "10.0.0.3" {
		t.Errorf("S3 = %q, want 10.0.0.3", hosts["S3"])
	}
}

func TestEnvIntOrFallsBackOnUnparsable(t *testing.T) {
	t.Setenv("WEIRD_PORT", "not-a-number")
	if got := EnvIntOr("WEIRD_PORT", 42); got != 42 {
		t.Errorf("EnvIntOr = %d, want 42", got)
	}
}

func TestServerPeerPortDiffersByMode(t *testing.T) {
	active := ServerPeerPort(true)
	passive := ServerPeerPort(false)
	if active == passive {
		t.Errorf("expected different default peer ports for active vs passive, got %d for both", active)
	}
}
