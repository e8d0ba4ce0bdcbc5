// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking sockets for the reactor. Raw sockets wrap descriptors for the
// readiness pollers (build tag unix); portable sockets wrap the net package
// for the completion poller. Both report failures as api statuses.

package transport
