// Package config encapsulates configuration for the envoy and storage
// server commands (cmd/envoy, cmd/storage).
//
// Both are expected to store their config file and any runtime state
// within a dedicated base directory. Load's only argument is the path
// to that base directory rather than to the config file itself. The
// designated directory is expected to contain a plain text file called
// "config" with one "key value" pair per line, key and value separated
// by whitespace. Many paths and derived values are exposed as
// methods of C, e.g., the peer address table and the storage target.
package config
