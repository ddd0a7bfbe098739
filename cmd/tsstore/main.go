// tsstore is a CLI for a journal log and the map it replays into.
//
// Usage:
//
//	tsstore [flags]            Open (or create) the store and start a REPL
//	tsstore [flags] inspect    Print a read-only summary of the journal log
//	tsstore [flags] config     Print the effective configuration
//
// Flags:
//
//	-C, --cwd            Working directory
//	-c, --config         Config file (default: .tsstore.json if present)
//	    --dir            Data directory
//	    --log            Journal log file, relative to --dir
//	    --map            Map path prefix, relative to --dir
//	    --term-length    Term length when creating the log
//	    --key-size       Map key size
//	    --value-size     Map value size
//	    --capacity       Initial map capacity
//	    --stream-id      Journal stream id
//	    --log-level      debug, info, warn or error
//	    --metrics-addr   Serve Prometheus metrics on this address
//
// Commands (in REPL):
//
//	set <key> <value>       Journal an insert or overwrite
//	get <key>               Read a value from the map
//	del <key>               Journal a delete
//	scan [limit]            List map entries
//	len                     Count map entries
//	info                    Show log and map state
//	flush                   Flush the log and map to disk
//	bench <count>           Benchmark journalled writes
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/tsstore/internal/config"
	"github.com/calvinalkan/tsstore/pkg/applog"
)

func main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ()))
}

// Run executes the CLI and returns the process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env []string) int {
	flags := pflag.NewFlagSet("tsstore", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	cwd := flags.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := flags.StringP("config", "c", "", "Use specified config `file`")
	metricsAddr := flags.String("metrics-addr", "", "Serve Prometheus metrics on `addr`")
	config.RegisterFlags(flags)

	flags.Usage = func() {
		fmt.Fprintln(stderr, "Usage: tsstore [flags] [repl|inspect|config]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Flags:")
		flags.PrintDefaults()
	}

	err := flags.Parse(args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}

		return 2
	}

	workDir := *cwd
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)

			return 1
		}
	}

	cfg, _, err := config.Load(workDir, *configPath, flags, env)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)

		return 1
	}

	cmd := "repl"
	if flags.NArg() > 0 {
		cmd = flags.Arg(0)
	}

	switch cmd {
	case "config":
		out, err := config.Format(cfg)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)

			return 1
		}

		fmt.Fprintln(stdout, out)

		return 0

	case "inspect":
		err = inspect(stdout, cfg.LogPath())

	case "repl":
		err = runREPL(stdin, stdout, stderr, cfg, *metricsAddr)

	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", cmd)
		flags.Usage()

		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)

		return 1
	}

	return 0
}

func newLogger(stderr io.Writer, level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(stderr),
		level,
	)

	return zap.New(core)
}

func runREPL(stdin io.Reader, stdout, stderr io.Writer, cfg config.Config, metricsAddr string) error {
	logger := newLogger(stderr, cfg.Level())
	defer func() { _ = logger.Sync() }()

	err := os.MkdirAll(cfg.Dir, 0o750)
	if err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := openStore(cfg, logger, reg)
	if err != nil {
		return err
	}

	defer func() { _ = s.Close() }()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: readHeaderTimeout,
		}

		go func() {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()

		defer func() { _ = srv.Close() }()

		logger.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	repl := &REPL{session: newSession(s, stdout)}

	if f, ok := stdin.(*os.File); !ok || f != os.Stdin {
		return repl.RunScript(stdin)
	}

	return repl.Run()
}

func inspect(w io.Writer, path string) error {
	snap, err := applog.Inspect(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Log %s\n", filepath.Base(path))
	fmt.Fprintf(w, "  ID:                  %s\n", snap.ID)
	fmt.Fprintf(w, "  Term length:         %d bytes\n", snap.TermLength)
	fmt.Fprintf(w, "  Max payload:         %d bytes\n", snap.MaxPayload)
	fmt.Fprintf(w, "  Initial term:        %d\n", snap.InitialTermID)
	fmt.Fprintf(w, "  Active term:         %d\n", snap.ActiveTermID)
	fmt.Fprintf(w, "  Subscriber position: %d\n", snap.SubscriberPosition)

	for _, p := range snap.Partitions {
		fmt.Fprintf(w, "  Partition %d: term=%d status=%s tail=%d frames=%d padding=%d payload=%d sealed=%v pending=%v\n",
			p.Index, p.TermID, p.Status, p.TailOffset, p.DataFrames, p.PaddingFrames, p.PayloadBytes, p.Sealed, p.Pending)
	}

	return nil
}
