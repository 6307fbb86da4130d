package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/h2a-dev/genq/internal/conventions"
	"github.com/h2a-dev/genq/internal/httpapi"
	"github.com/h2a-dev/genq/internal/log"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddress   string
	maxUploadBytes  int64
	shutdownTimeout time.Duration

	// listener is used instead of listening on the address when set, used by tests.
	listener net.Listener
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Serve the task API over HTTP.")
	c.Cmd.Flag("listen-address", "Address the API listens on (default: config server.listen_address or "+conventions.DefaultListenAddress+").").StringVar(&c.listenAddress)
	c.Cmd.Flag("max-upload-bytes", "Max size of an uploaded input.").Default(fmt.Sprint(httpapi.DefaultMaxUploadBytes)).Int64Var(&c.maxUploadBytes)
	c.Cmd.Flag("shutdown-timeout", "Max time to wait for the in flight requests on shutdown.").Default("10s").DurationVar(&c.shutdownTimeout)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger.WithValues(log.Kv{"cmd": "serve"})

	a, settings, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Recover(ctx); err != nil {
		return err
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Service:        a,
		MaxUploadBytes: c.maxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create http handler: %w", err)
	}

	addr := c.listenAddress
	if addr == "" {
		addr = settings.Server.ListenAddress
	}
	if addr == "" {
		addr = conventions.DefaultListenAddress
	}

	ln := c.listener
	if ln == nil {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", addr, err)
		}
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var g run.Group

	// HTTP server.
	g.Add(
		func() error {
			logger.Infof("HTTP API listening on %s", ln.Addr())
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		},
		func(_ error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Could not shut down the HTTP server: %s", err)
			}
		},
	)

	// Context cancellation.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				logger.Infof("Stopping HTTP API")
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
