// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "errors"

var (
	// ErrNoLoop indicates a group could not provide any loop, not even the
	// fallback.
	ErrNoLoop = errors.New("concurrency: no loop available")
)
