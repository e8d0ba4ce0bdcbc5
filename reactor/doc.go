// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the per-loop poller contract and its backends:
// epoll (Linux), kqueue (Darwin and the BSDs) and a portable completion
// backend available everywhere.
package reactor
