// Package config provides default tunnel-pool and congestion-advertisement
// settings for the tunnel core, along with validation of those settings.
//
// It intentionally carries none of a full router's configuration surface
// (network database, bootstrap, transports, RPC control): the tunnel core
// only needs the values in TunnelDefaults and CongestionDefaults, supplied
// either via Defaults() or constructed directly by the embedding
// application.
package config
