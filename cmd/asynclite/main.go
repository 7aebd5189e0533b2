package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/asynclite/asynclite/pkg/bridge"
	"github.com/asynclite/asynclite/pkg/callctx"
	"github.com/asynclite/asynclite/pkg/sqlite"
)

type options struct {
	PositionalArgs struct {
		Statements []string `positional-arg-name:"statement" description:"sql statements to run, in order"`
	} `positional-args:"yes"`

	DB         string        `short:"d" long:"db" env:"ASYNCLITE_DB" description:"sqlite database file"`
	ConfigFile string        `short:"f" long:"config" env:"ASYNCLITE_CONFIG" description:"config file" default:"asynclite.yml"`
	Timeout    time.Duration `long:"timeout" env:"ASYNCLITE_TIMEOUT" description:"per-statement timeout"`
	Prefetch   int           `long:"prefetch" env:"ASYNCLITE_PREFETCH" description:"rows per fetch batch"`

	Verbose bool `short:"v" long:"verbose" description:"verbose mode, trace statements"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

// fileConfig is the optional yaml config; flags override its values.
type fileConfig struct {
	DB       string        `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
	Prefetch int           `yaml:"prefetch"`
}

var revision = "latest"

func main() {
	fmt.Printf("asynclite %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	if err := run(opts); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Printf("failed, %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("can't load config %q: %w", opts.ConfigFile, err)
	}
	applyOverrides(&conf, opts)
	if conf.DB == "" {
		return fmt.Errorf("no database file, set --db or config")
	}
	if len(opts.PositionalArgs.Statements) == 0 {
		return fmt.Errorf("nothing to run, pass statements as arguments")
	}

	ctrl := bridge.NewController(bridge.Options{DefaultTimeout: conf.Timeout, Prefetch: conf.Prefetch})
	defer func() {
		if err := ctrl.Stop(context.Background()); err != nil {
			log.Printf("[WARN] controller stop: %v", err)
		}
	}()

	conn, err := ctrl.Start(ctx, sqlite.Factory(conf.DB))
	if err != nil {
		return fmt.Errorf("can't open %q: %w", conf.DB, err)
	}

	if opts.Verbose {
		trace := color.New(color.FgCyan).SprintfFunc()
		err := conn.RegisterCallback(sqlite.SlotTrace, bridge.SyncHandler(
			func(_ callctx.Snapshot, args []any) (any, error) {
				fmt.Println(trace("> %v", args[0]))
				return nil, nil
			}))
		if err != nil {
			return fmt.Errorf("can't register trace callback: %w", err)
		}
	}

	st := time.Now()
	for _, stmt := range opts.PositionalArgs.Statements {
		if err := runStatement(ctx, conn, stmt); err != nil {
			return err
		}
	}
	log.Printf("[INFO] completed %d statements in %v",
		len(opts.PositionalArgs.Statements), time.Since(st).Truncate(time.Millisecond))

	return conn.Close(ctx)
}

// runStatement executes one statement through the bridge: queries print
// their rows, everything else reports the affected count.
func runStatement(ctx context.Context, conn *bridge.Conn, stmt string) error {
	if isQuery(stmt) {
		res, err := conn.Call(ctx, sqlite.MethodQuery, []any{stmt}, nil).Wait(ctx)
		if err != nil {
			return fmt.Errorf("can't run query %q: %w", stmt, err)
		}
		printRows(os.Stdout, res.(sqlite.Rows))
		return nil
	}

	res, err := conn.Call(ctx, sqlite.MethodExec, []any{stmt}, nil).Wait(ctx)
	if err != nil {
		return fmt.Errorf("can't run statement %q: %w", stmt, err)
	}
	fmt.Printf("%d row(s) affected\n", res.(sqlite.ExecResult).RowsAffected)
	return nil
}

func isQuery(stmt string) bool {
	head := strings.ToLower(strings.TrimSpace(stmt))
	return strings.HasPrefix(head, "select") || strings.HasPrefix(head, "pragma") ||
		strings.HasPrefix(head, "explain") || strings.HasPrefix(head, "with")
}

func printRows(w io.Writer, rows sqlite.Rows) {
	header := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintln(w, header(strings.Join(rows.Columns, "\t")))
	for _, row := range rows.Values {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(w, "(%d rows)\n", len(rows.Values))
}

// loadConfig reads the yaml config; a missing file is not an error, flags
// may supply everything.
func loadConfig(path string) (fileConfig, error) {
	var conf fileConfig
	data, err := os.ReadFile(path) // nolint gosec // path from user's own flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return conf, err
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("can't parse yaml: %w", err)
	}
	return conf, nil
}

func applyOverrides(conf *fileConfig, opts options) {
	if opts.DB != "" {
		conf.DB = opts.DB
	}
	if opts.Timeout > 0 {
		conf.Timeout = opts.Timeout
	}
	if opts.Prefetch > 0 {
		conf.Prefetch = opts.Prefetch
	}
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
