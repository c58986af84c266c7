// Package log holds the process-wide logger.
package log

import (
	hclog "github.com/hashicorp/go-hclog"
	"github.com/xyproto/env/v2"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{Name: "mld"})
	L.SetLevel(hclog.Info)

	if lvl := hclog.LevelFromString(env.Str("MLD_LOG_LEVEL")); lvl != hclog.NoLevel {
		L.SetLevel(lvl)
	}
	if env.Bool("TRACE") {
		L.SetLevel(hclog.Trace)
	}
}

// SetVerbosity raises the log level by one step per -v flag.
func SetVerbosity(n int) {
	switch {
	case n >= 2:
		L.SetLevel(hclog.Trace)
	case n == 1:
		L.SetLevel(hclog.Debug)
	}
}
