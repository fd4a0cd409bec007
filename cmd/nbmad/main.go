// Command nbmad is the NBMA reachability daemon of spec.md: a per-node
// process that keeps kernel routing/neighbour tables and an IP trust
// firewall in sync with a fleet-wide configuration oracle, over a
// signed UDP control protocol.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-iptables/iptables"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ganeti/nbmad/pkg/nbma/config"
	"github.com/ganeti/nbmad/pkg/nbma/daemon"
	"github.com/ganeti/nbmad/pkg/nbma/kernel"
	"github.com/ganeti/nbmad/pkg/nbma/oracle"
)

// Version is inserted at build using --ldflags -X.
var Version = "(unknown version)"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "nbmad",
		Short:        "NBMA reachability daemon",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon's version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "nbmad %s\n", Version)
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load configuration and run the daemon until signalled to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	env, err := daemon.LoadEnv(ctx)
	if err != nil {
		return errors.Wrap(err, "loading process environment")
	}
	if len(env.ConfigFiles) == 0 {
		return fmt.Errorf("NBMAD_CONFIG_FILES must name at least one configuration fragment")
	}

	ctx = dlog.WithLogger(ctx, makeBaseLogger(env.LogLevel))
	ctx = dlog.WithField(ctx, "component", "nbmad")
	dlog.Infof(ctx, "nbmad %s starting [pid:%d]", Version, os.Getpid())

	cfg, err := config.FromConfigFiles(env.ConfigFiles)
	if err != nil {
		return err
	}

	ipt, err := iptables.New()
	if err != nil {
		return errors.Wrap(err, "initialising iptables backend")
	}
	fw := kernel.NewFirewall(ipt)

	d, err := daemon.New(cfg, oracle.NullOracle{}, kernel.ExecRunner{}, fw)
	if err != nil {
		return err
	}

	return d.Run(ctx, env.BindAddress, env.Port)
}

// makeBaseLogger builds the logrus logger dlog delegates to, falling back to
// info level on an empty or unparseable levelStr rather than failing startup
// over a logging misconfiguration.
func makeBaseLogger(levelStr string) dlog.Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrusLogger.SetLevel(level)

	return dlog.WrapLogrus(logrusLogger)
}
