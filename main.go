package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/williamokano/s3lite/pkg/client"
	"github.com/williamokano/s3lite/pkg/config"
	"github.com/williamokano/s3lite/pkg/logger"
	"github.com/williamokano/s3lite/pkg/metrics"
)

const usage = `usage: s3lite [-config file] [-force] <command> [args]

commands:
  mb <bucket>                     create a bucket
  rb <bucket>                     delete a bucket (-force empties it first)
  ls [bucket [prefix]]            list buckets, or objects under prefix
  put <bucket> <file> [key]       upload a file (key defaults to the file name)
  get <bucket> <key> [file]       download an object (file defaults to the key's base name)
  rm <bucket> <key>...            delete objects
  cat <bucket> <key>              write an object to stdout
  presign <bucket> <key> [ttl]    print a GET URL valid for ttl (e.g. 15m)
`

var errUsage = errors.New("invalid arguments")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Get().Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("s3lite", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "JSON config file (environment and .env are applied on top)")
	force := fs.Bool("force", false, "rb: delete every object before removing the bucket")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	command, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if !validArgs(command, len(cmdArgs)) {
		return fmt.Errorf("%w: %s", errUsage, command)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	logger.Init(cfg.GetLogLevel(), cfg.GetLogFormat())
	log := logger.Get()
	log.Debug().Str("config_file", *configFile).Str("command", command).Msg("starting s3lite")

	collector := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	c, err := client.NewFromConfig(cfg, nil, collector, *log)
	if err != nil {
		return err
	}

	cmd := &commands{client: c, out: stdout, force: *force}
	return cmd.dispatch(ctx, command, cmdArgs)
}

func metricsMux(collector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

// validArgs checks the argument count before any configuration is loaded
func validArgs(command string, n int) bool {
	switch command {
	case "mb", "rb":
		return n == 1
	case "ls":
		return n <= 2
	case "put", "get", "presign":
		return n == 2 || n == 3
	case "rm":
		return n >= 2
	case "cat":
		return n == 2
	default:
		return false
	}
}
