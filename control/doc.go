// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, runtime metrics and debug introspection.
//
// Provides:
//   - TOML configuration converted to loop and channel options
//   - A snapshot store with reload listeners, fed by a file watcher
//   - Channel counters implementing channel.Metrics
//   - Debug probes, including per-loop state
//   - JSON logger construction
package control
