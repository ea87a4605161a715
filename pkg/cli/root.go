package cli

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/platinummonkey/campus/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// Env is what every command runs against
type Env struct {
	Out    io.Writer
	Log    *logrus.Logger
	OpenDB func(driver, dsn string) (*sql.DB, error)
}

// DefaultEnv writes results to stdout and logs to stderr
func DefaultEnv() *Env {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Env{
		Out:    os.Stdout,
		Log:    log,
		OpenDB: sql.Open,
	}
}

// NewRootCommand creates the root command
func NewRootCommand(env *Env) *Command {
	root := &Command{
		Name:        "campus-authz",
		Description: "Campus authorization administration",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("campus-authz", flag.ContinueOnError),
	}

	root.Subcommands["migrate"] = newMigrateCommand(env)
	root.Subcommands["seed"] = newSeedCommand(env)
	root.Subcommands["verify"] = newVerifyCommand(env)
	root.Subcommands["check"] = newCheckCommand(env)
	root.Subcommands["bootstrap"] = newBootstrapCommand(env)
	root.Subcommands["token"] = newTokenCommand(env)

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage(os.Stdout)
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

func (c *Command) usage(w io.Writer) error {
	fmt.Fprintf(w, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// dbOptions are the connection flags shared by every database command
type dbOptions struct {
	driver *string
	dsn    *string
	level  *string
}

func addDBFlags(fs *flag.FlagSet) *dbOptions {
	return &dbOptions{
		driver: fs.String("driver", "postgres", "database/sql driver name"),
		dsn:    fs.String("db", os.Getenv("CAMPUS_POSTGRES_URL"), "Database connection string (default $CAMPUS_POSTGRES_URL)"),
		level:  fs.String("log-level", "info", "Log level (debug, info, warn, error)"),
	}
}

func (o *dbOptions) open(env *Env) (*sql.DB, error) {
	if level, err := logrus.ParseLevel(*o.level); err == nil {
		env.Log.SetLevel(level)
	}
	if *o.dsn == "" {
		return nil, fmt.Errorf("--db is required")
	}
	db, err := env.OpenDB(*o.driver, *o.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// serviceLogger is the logger handed to library code. It stays at warn unless
// --log-level=debug.
func (o *dbOptions) serviceLogger(env *Env) *observability.Logger {
	level := observability.WarnLevel
	if *o.level == "debug" {
		level = observability.DebugLevel
	}
	return observability.NewLogger(level, env.Log.Out)
}
