// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-net.
// Implements the size-class slab pool backing every buffer; see bytepool.go.
package pool
