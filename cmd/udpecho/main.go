package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OpenListTeam/nbudp/internal/echo"
	"github.com/OpenListTeam/nbudp/socket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	listen    []string
	managed   bool
	peers     int
	logLevel  string
	logFormat string
}

func newCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "udpecho [OPTIONS]",
		Short:         "Echo UDP datagrams back to their sender.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(opts.logLevel, opts.logFormat); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.listen, "listen", "l", []string{"127.0.0.1:9000"}, "Address to listen on (repeatable)")
	flags.BoolVar(&opts.managed, "managed", false, "Use runtime-managed sockets instead of raw descriptors")
	flags.IntVar(&opts.peers, "peers", 1024, "Number of peers to keep statistics for")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unable to parse log level: %s", level)
	}
	logrus.SetLevel(lvl)

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}
	return nil
}

func openEndpoint(addr socket.SockAddr, managed bool) (socket.Endpoint, error) {
	domain := addr.Family()
	if managed {
		return socket.NewManaged(domain, socket.Dgram, socket.UDP)
	}
	proto := socket.UDP
	if domain == socket.Unix {
		proto = socket.ProtocolDefault
	}
	return socket.New(domain, socket.Dgram, proto)
}

func run(ctx context.Context, opts options) error {
	srv, err := echo.New(echo.WithPeerCacheSize(opts.peers))
	if err != nil {
		return err
	}
	defer srv.Close()

	for _, l := range opts.listen {
		addr, err := socket.ParseSockAddr(l)
		if err != nil {
			return err
		}
		ep, err := openEndpoint(addr, opts.managed)
		if err != nil {
			return fmt.Errorf("open %s: %w", l, err)
		}
		if err := ep.Bind(addr); err != nil {
			ep.Close()
			return fmt.Errorf("bind %s: %w", l, err)
		}
		if _, err := srv.Listen(ep); err != nil {
			return err
		}
	}

	for token, addr := range srv.LocalAddrs() {
		logrus.WithFields(logrus.Fields{"token": token, "addr": addr}).Debug("serving")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case s := <-sigs:
			logrus.WithField("signal", s).Info("shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logrus.WithField("peers", srv.Peers()).Info("stopped")
	return nil
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
