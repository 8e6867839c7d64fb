// Command dirserve serves a directory over HTTP: an index page at "/",
// browsable listings for sub-directories and downloads for regular files.
//
//	dirserve <directory> [--ip ADDR] [--port N] [--config FILE] [--log-level LEVEL] [--gzip]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"example.com/dirserve/internal/config"
	"example.com/dirserve/internal/handlers/assets"
	"example.com/dirserve/internal/listing"
	"example.com/dirserve/internal/logger"
	"example.com/dirserve/internal/router"
	"example.com/dirserve/internal/server"
	"example.com/dirserve/internal/templates"
	"example.com/dirserve/internal/util"
	"example.com/dirserve/web"
)

const usageLine = "Usage: dirserve <directory> [--ip ADDR] [--port N] [--config FILE] [--log-level LEVEL] [--gzip]"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// cliOptions is the parsed command line. set records which flags were given
// explicitly so they can override a config file.
type cliOptions struct {
	dir        string
	ip         string
	port       int
	configPath string
	logLevel   string
	gzip       bool
	set        map[string]bool
}

// parseArgs accepts the directory before, after or between the flags.
func parseArgs(args []string, stderr io.Writer) (*cliOptions, error) {
	opts := &cliOptions{set: map[string]bool{}}
	fset := flag.NewFlagSet("dirserve", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() {
		fmt.Fprintln(stderr, usageLine)
		fset.PrintDefaults()
	}
	fset.StringVar(&opts.ip, "ip", config.DefaultBindAddress, "address to bind")
	fset.IntVar(&opts.port, "port", config.DefaultPort, "port to listen on")
	fset.StringVar(&opts.configPath, "config", "", "optional configuration file (JSON, TOML or YAML)")
	fset.StringVar(&opts.logLevel, "log-level", "", "DEBUG, INFO, WARNING or ERROR")
	fset.BoolVar(&opts.gzip, "gzip", false, "compress responses for clients that accept gzip")

	var positional []string
	rest := args
	for {
		if err := fset.Parse(rest); err != nil {
			return nil, err
		}
		if fset.NArg() == 0 {
			break
		}
		positional = append(positional, fset.Arg(0))
		rest = fset.Args()[1:]
	}
	fset.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	switch len(positional) {
	case 0:
		return nil, errors.New("a directory to serve is required")
	case 1:
		opts.dir = positional[0]
	default:
		return nil, fmt.Errorf("expected one directory, got %d arguments", len(positional))
	}
	return opts, nil
}

// buildConfig loads the optional file, applies defaults, then the explicit
// flags, and finally checks the served directory.
func buildConfig(opts *cliOptions) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.ApplyDefaults(cfg)

	if opts.dir != "" {
		cfg.Server.RootDirectory = opts.dir
	}
	if opts.set["ip"] {
		cfg.Server.BindAddress = &opts.ip
	}
	if opts.set["port"] {
		cfg.Server.Port = &opts.port
	}
	if opts.set["gzip"] {
		cfg.Server.Compress = &opts.gzip
	}
	if opts.set["log-level"] {
		level, err := config.ParseLogLevel(opts.logLevel)
		if err != nil {
			return nil, &config.ConfigError{Message: "invalid --log-level", Err: err}
		}
		cfg.Logging.LogLevel = level
	}

	root, err := config.ResolveRootDirectory(cfg.Server.RootDirectory)
	if err != nil {
		return nil, err
	}
	cfg.Server.RootDirectory = root

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildHandler assembles the router from the configuration.
func buildHandler(cfg *config.Config, lg *logger.Logger) (*router.Router, error) {
	var tmplFS fs.FS = web.Templates()
	if dir := cfg.Templates.Directory; dir != "" {
		tmplFS = os.DirFS(dir)
	}
	reg, err := templates.New(tmplFS, templates.WithAssetPrefix(cfg.Assets.Prefix))
	if err != nil {
		return nil, err
	}
	for _, name := range reg.FailedNames() {
		lg.Warn("Template unavailable, requests using it will fail with 500", logger.LogFields{
			"template": name,
			"error":    reg.Failures()[name].Error(),
		})
	}

	mimes, err := assets.NewMimeTypeResolver(cfg.Assets)
	if err != nil {
		return nil, err
	}
	var store *assets.Store
	if dir := cfg.Assets.Directory; dir != "" {
		store, err = assets.NewDirStore(dir, mimes)
	} else {
		store, err = assets.NewStore(web.Assets(), mimes)
	}
	if err != nil {
		return nil, err
	}

	return router.NewRouter(router.Options{
		Root:        cfg.Server.RootDirectory,
		BaseURL:     cfg.BaseURL(),
		AssetPrefix: cfg.Assets.Prefix,
		Assets:      store,
		Templates:   reg,
		Lister:      listing.NewLister(),
		Logger:      lg,
	})
}

// run is main without the process exit, so it can be driven from tests.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	fail := func(err error) int {
		fmt.Fprintln(stderr, color.RedString("Error: %v", err))
		return 1
	}

	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, usageLine)
		return fail(err)
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		return fail(err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize logger: %w", err))
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			fmt.Fprintf(stderr, "Error closing log files: %v\n", err)
		}
	}()

	handler, err := buildHandler(cfg, lg)
	if err != nil {
		return fail(err)
	}
	srv, err := server.NewServer(cfg, lg, handler)
	if err != nil {
		return fail(err)
	}

	stopped := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-srv.Ready():
			fmt.Fprintf(stderr, "Serving HTTP on %s port %d (%s/) ...\n",
				*cfg.Server.BindAddress, *cfg.Server.Port, cfg.BaseURL())
		case <-stopped:
		}
	}()

	err = srv.Start(ctx)
	close(stopped)
	wg.Wait()
	if err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		if errors.Is(err, util.ErrAddrInUse) {
			fmt.Fprintf(stderr, "Port %d is taken; pick another with --port.\n", *cfg.Server.Port)
		}
		return fail(err)
	}
	return 0
}
