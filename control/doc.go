// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection for hioload-bot.
//
// Provides:
//   - Typed YAML configuration with validation and a reloadable snapshot store
//   - zerolog logger construction from configuration
//   - Prometheus collectors for the loop, connections and the outbound queue
//   - Named debug probes dumped as JSON
package control
