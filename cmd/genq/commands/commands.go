package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/config"
	"github.com/h2a-dev/genq/internal/conventions"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/printer"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug             bool
	NoLog             bool
	NoColor           bool
	LoggerType        string
	DataDir           string
	DBPath            string
	ConfigPath        string
	Provider          string
	FalKey            string
	FakeEventInterval time.Duration

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	app.Flag("data-dir", "Directory for the genq data.").Default(conventions.HomeDataDir()).StringVar(&c.DataDir)
	app.Flag("db-path", "Path to the SQLite database file (default: <data-dir>/genq.db).").StringVar(&c.DBPath)
	app.Flag("config", "Path to the YAML tuning file (default: <data-dir>/config.yaml).").StringVar(&c.ConfigPath)
	app.Flag("provider", "Generation provider.").Default(providerFal).EnumVar(&c.Provider, providerFal, providerFake)
	app.Flag("fal-key", "fal API key.").Envar(conventions.FalKeyEnv).StringVar(&c.FalKey)
	app.Flag("fake-event-interval", "Time between the events of the fake provider.").Hidden().Default("200ms").DurationVar(&c.FakeEventInterval)

	return c
}

const (
	providerFal  = app.ProviderFal
	providerFake = app.ProviderFake
)

// Settings loads the tuning file, a missing file uses the defaults.
func (r RootCommand) Settings(ctx context.Context) (config.Config, error) {
	path := r.ConfigPath
	if path == "" {
		path = conventions.ConfigPath(r.DataDir)
	}

	cfg, err := config.LoadFile(ctx, path)
	if err != nil {
		return config.Config{}, fmt.Errorf("could not load config %s: %w", path, err)
	}

	return cfg, nil
}

// OpenApp opens the task runtime on the configured provider and database.
func (r RootCommand) OpenApp(ctx context.Context) (*app.App, config.Config, error) {
	settings, err := r.Settings(ctx)
	if err != nil {
		return nil, config.Config{}, err
	}

	dbPath := r.DBPath
	if dbPath == "" {
		if err := os.MkdirAll(r.DataDir, 0o755); err != nil {
			return nil, config.Config{}, fmt.Errorf("could not create data dir: %w", err)
		}
		dbPath = conventions.DBPath(r.DataDir)
	}

	a, err := app.Open(ctx, app.OpenConfig{
		Provider:          r.Provider,
		FalKey:            r.FalKey,
		FakeEventInterval: r.FakeEventInterval,
		DBPath:            dbPath,
		Settings:          settings,
		Logger:            r.Logger,
	})
	if err != nil {
		return nil, config.Config{}, err
	}

	return a, settings, nil
}

func addFormatFlag(cmd *kingpin.CmdClause, format *string) {
	cmd.Flag("format", "Output format (table, json).").Default(printer.FormatTable).EnumVar(format, printer.Formats...)
}

// output prints the command results on stdout. Errors go to stdout as JSON
// envelopes or to stderr as text.
type output struct {
	printer.Printer
	errs printer.Printer
}

func (r RootCommand) newOutput(format string) (output, error) {
	p, err := printer.New(format, r.Stdout)
	if err != nil {
		return output{}, err
	}

	errW := r.Stderr
	if format == printer.FormatJSON {
		errW = r.Stdout
	}
	errs, err := printer.New(format, errW)
	if err != nil {
		return output{}, err
	}

	return output{Printer: p, errs: errs}, nil
}

// fail reports the error and returns it already marked as reported.
func (o output) fail(err error) error {
	if err == nil {
		return nil
	}
	if perr := o.errs.PrintError(envelope.FromError(err)); perr != nil {
		return errors.Join(err, perr)
	}
	return &reportedError{err: err}
}

type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// IsReported returns true when the error was already printed to the user.
func IsReported(err error) bool {
	var rerr *reportedError
	return errors.As(err, &rerr)
}
