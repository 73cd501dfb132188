// Package config centralizes the environment-variable configuration every
// binary in this module reads, per spec §6: host addresses via S1, S2, S3,
// and GFD_IP; per-process identifiers via MY_SERVER_ID and MY_LFD_ID; and
// the well-known ports, each overridable by its own environment variable.
// A missing required variable is a configuration error and is fatal at
// startup, per spec §7.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Default ports, per spec §6.
const (
	DefaultLFDServerPort  = 54321 // LFD's listen port facing its local Server
	DefaultGFDPort        = 12345 // GFD's listen port facing every LFD
	DefaultRMGFDPort      = 12346 // RM's listen port facing GFD
	DefaultRMClientPort   = 13579 // RM's listen port facing Clients (passive mode)
	DefaultServerClientPt = 12346 // Server's listen port facing Clients
	DefaultPeerPortActive = 12351 // Server's peer-sync port (active mode)
	DefaultPeerPortPasv   = 12347 // Server's peer-sync/checkpoint port (passive mode)

	// DefaultRMIP is the RM host address used by GFD and Clients to dial in;
	// the original source hardcodes 127.0.0.1 for the RM host, this module
	// makes it overridable the same way GFD_IP is.
	DefaultRMIP = "127.0.0.1"
)

// MustEnv reads a required environment variable, exiting the process with
// a diagnostic if it is unset. Configuration errors are fatal at startup
// per spec §7; there is no sensible runtime fallback for "which host is S1."
func MustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		fmt.Fprintf(os.Stderr, "fatal: required environment variable %s is not set\n", name)
		os.Exit(1)
	}
	return v
}

// EnvOr reads an optional environment variable, returning def if unset.
func EnvOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// EnvIntOr reads an optional integer environment variable, returning def
// if unset or unparsable.
func EnvIntOr(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ReplicaHosts returns the replica identifier to host-address mapping
// configured via the S1, S2, S3 environment variables. Entries for
// variables that are unset are omitted, so a partially configured
// cluster of fewer than three replicas is still valid input.
func ReplicaHosts() map[string]string {
	hosts := map[string]string{}
	for _, id := range [...]string{"S1", "S2", "S3"} {
		if addr := os.Getenv(id); addr != "" {
			hosts[id] = addr
		}
	}
	return hosts
}

// GFDAddr returns the GFD's dial address, combining GFD_IP with the
// overridable GFD port.
func GFDAddr() string {
	return fmt.Sprintf("%s:%d", MustEnv("GFD_IP"), EnvIntOr("GFD_PORT", DefaultGFDPort))
}

// RMGFDAddr returns RM's GFD-facing dial/listen address.
func RMGFDAddr() string {
	return fmt.Sprintf("%s:%d", EnvOr("RM_IP", DefaultRMIP), EnvIntOr("RM_GFD_PORT", DefaultRMGFDPort))
}

// RMClientAddr returns RM's client-facing dial/listen address (passive mode).
func RMClientAddr() string {
	return fmt.Sprintf("%s:%d", EnvOr("RM_IP", DefaultRMIP), EnvIntOr("RM_CLIENT_PORT", DefaultRMClientPort))
}

// ServerClientPort returns the port replicas listen on for client traffic.
func ServerClientPort() int {
	return EnvIntOr("SERVER_CLIENT_PORT", DefaultServerClientPt)
}

// ServerPeerPort returns the port replicas listen on for peer-sync and
// checkpoint traffic, which differs by replication mode per spec §6.
func ServerPeerPort(activeMode bool) int {
	if activeMode {
		return EnvIntOr("SERVER_PEER_PORT", DefaultPeerPortActive)
	}
	return EnvIntOr("SERVER_PEER_PORT", DefaultPeerPortPasv)
}

// LFDServerPort returns the port an LFD listens on for its local Server.
func LFDServerPort() int {
	return EnvIntOr("LFD_SERVER_PORT", DefaultLFDServerPort)
}
