// Package daemon wires every other pkg/nbma package together into the
// single-consumer event loop: all of the long-running workers run under
// one dgroup.Group, and every mutation of shared state is funnelled
// through a single queue drained by one goroutine.
package daemon

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env is the daemon's process-level configuration: the handful of
// settings that are environment-driven rather than loaded from the
// per-cluster bash-fragment files of spec §6.
type Env struct {
	// BindAddress is the local address the UDP control socket binds to.
	// Empty binds all interfaces.
	BindAddress string `env:"NBMAD_BIND_ADDRESS,default="`

	// Port is the UDP port the control socket listens on and the port
	// peers are addressed on.
	Port int `env:"NBMAD_PORT,default=1811"`

	// LogLevel is parsed by the caller into a dlog logger; it is kept as
	// a string here because envconfig has no notion of dlog.LogLevel.
	LogLevel string `env:"NBMAD_LOG_LEVEL,default=info"`

	// ConfigFiles lists the bash-fragment configuration files to load,
	// in order (spec §6). There is no default; the daemon refuses to
	// start without at least one.
	ConfigFiles []string `env:"NBMAD_CONFIG_FILES,delimiter=:"`
}

// LoadEnv reads the process environment into an Env.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}
