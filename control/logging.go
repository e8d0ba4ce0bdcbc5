// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// JSON logger construction.

package control

import (
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// ParseLevel accepts the names printed by logiface.Level.String plus the
// usual long forms.
func ParseLevel(s string) (logiface.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return logiface.LevelInformational, nil
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	case "information", "informational":
		return logiface.LevelInformational, nil
	case "critical":
		return logiface.LevelCritical, nil
	case "emergency":
		return logiface.LevelEmergency, nil
	}
	for lvl := logiface.LevelDisabled; lvl <= logiface.LevelTrace; lvl++ {
		if lvl.String() == name {
			return lvl, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}

// NewLogger returns a JSON logger writing to w at level.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
