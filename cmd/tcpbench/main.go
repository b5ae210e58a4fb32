package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/docopt/docopt-go"
	"github.com/google/gops/agent"
	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/Arun445/tcp-bench/internal/client"
	"github.com/Arun445/tcp-bench/internal/config"
	"github.com/Arun445/tcp-bench/internal/listener"
	"github.com/Arun445/tcp-bench/internal/metrics"
	"github.com/Arun445/tcp-bench/internal/report"
)

const version = "tcpbench 1.0.0"

const usage = `tcpbench - measure TCP throughput between two hosts.

Usage:
  tcpbench --server [options]
  tcpbench --client=<address> [options]
  tcpbench -h | --help
  tcpbench --version

Options:
  -s --server               Accept connections and report the inbound rate.
  -c --client=<address>     Flood <address> (default port 5201) with data.
  -p --processes=<n>        Number of parallel client connections.
  -t --time=<secs>          Seconds to transmit for.
  -B --bind=<address>       Server listen address.
  -i --interval=<secs>      Seconds between periodic server reports.
  -l --len=<size>           Client write buffer size, e.g. 1MiB.
  --recv-len=<size>         Server read buffer size, e.g. 32MiB.
  -w --window=<size>        Socket send and receive buffer size.
  --metrics=<addr>          Serve Prometheus metrics on <addr> (server only).
  --progress                Show a byte counter while sending (client only).
  --config=<file>           Read settings from an HJSON or JSON file.
  --logto=<sink>            stdout, stderr, syslog or a file path [default: stderr].
  --loglevel=<level>        Log level [default: info].
  --gops                    Start the gops diagnostics agent.
  -h --help                 Show this screen.
  --version                 Show version.
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	helped := false
	parser := &docopt.Parser{
		HelpHandler: func(err error, text string) {
			helped = true
			if err != nil {
				fmt.Fprintln(os.Stderr, text)
				return
			}
			fmt.Fprintln(stdout, text)
		},
	}
	opts, err := parser.ParseArgs(usage, args, version)
	if err != nil {
		return 1
	}
	if helped {
		return 0
	}

	if err := setupLogging(optString(opts, "--logto"), optString(opts, "--loglevel"), stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	if optBool(opts, "--gops") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logrus.WithError(err).Warn("Failed to start gops agent")
		}
		defer agent.Close()
	}

	file, err := readConfigFile(optString(opts, "--config"))
	if err != nil {
		logrus.WithError(err).Error("Failed to read config")
		return 1
	}

	switch {
	case optBool(opts, "--server"):
		fmt.Fprintln(stdout, "Running SERVER")
		err = runServer(ctx, opts, file, stdout)
	case optString(opts, "--client") != "":
		fmt.Fprintln(stdout, "Running CLIENT")
		err = runClient(ctx, opts, file, stdout)
	default:
		fmt.Fprintln(stdout, "Nothing to run !")
	}
	if err != nil {
		logrus.WithError(err).Error("Run failed")
		return 1
	}

	fmt.Fprintln(stdout, "Done")
	return 0
}

func runServer(ctx context.Context, opts docopt.Opts, file *config.File, stdout io.Writer) error {
	serverConfig := config.ServerFrom(file)
	if err := applyServerFlags(opts, serverConfig); err != nil {
		return err
	}
	if err := serverConfig.Validate(); err != nil {
		return err
	}

	var m *metrics.Metrics
	if serverConfig.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, serverConfig.MetricsAddr, reg); err != nil {
				logrus.WithError(err).Error("Metrics endpoint stopped")
			}
		}()
	}

	l := listener.NewListener(serverConfig, report.NewPrinter(stdout), m)
	ln, err := l.Listen(ctx)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

func runClient(ctx context.Context, opts docopt.Opts, file *config.File, stdout io.Writer) error {
	clientConfig := config.ClientFrom(file)
	if err := applyClientFlags(opts, clientConfig); err != nil {
		return err
	}

	o := client.NewOrchestrator(clientConfig, report.NewPrinter(stdout))
	if clientConfig.Progress {
		bar := pb.New64(0).Set(pb.Bytes, true).SetWriter(os.Stderr).Start()
		defer bar.Finish()
		o.WrapWriter(func(w io.Writer) io.Writer {
			return bar.NewProxyWriter(w)
		})
	}

	results, err := o.Run(ctx)
	if results != nil {
		client.WriteSummary(stdout, results)
	}
	return err
}

func applyServerFlags(opts docopt.Opts, c *config.ServerConfig) (err error) {
	if v := optString(opts, "--bind"); v != "" {
		c.Listen = v
	}
	if v := optString(opts, "--interval"); v != "" {
		if c.Interval, err = config.ParseDuration(v); err != nil {
			return fmt.Errorf("--interval: %w", err)
		}
	}
	if v := optString(opts, "--recv-len"); v != "" {
		if c.BufferSize, err = config.ParseSize(v); err != nil {
			return fmt.Errorf("--recv-len: %w", err)
		}
	}
	if v := optString(opts, "--window"); v != "" {
		if c.SocketBuffer, err = config.ParseSize(v); err != nil {
			return fmt.Errorf("--window: %w", err)
		}
	}
	if v := optString(opts, "--metrics"); v != "" {
		c.MetricsAddr = v
	}
	return nil
}

func applyClientFlags(opts docopt.Opts, c *config.ClientConfig) (err error) {
	if v := optString(opts, "--client"); v != "" {
		c.Target = v
	}
	if v := optString(opts, "--processes"); v != "" {
		if c.Workers, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("--processes: %w", err)
		}
	}
	if v := optString(opts, "--time"); v != "" {
		if c.Duration, err = config.ParseDuration(v); err != nil {
			return fmt.Errorf("--time: %w", err)
		}
	}
	if v := optString(opts, "--len"); v != "" {
		if c.BufferSize, err = config.ParseSize(v); err != nil {
			return fmt.Errorf("--len: %w", err)
		}
	}
	if v := optString(opts, "--window"); v != "" {
		if c.SocketBuffer, err = config.ParseSize(v); err != nil {
			return fmt.Errorf("--window: %w", err)
		}
	}
	if optBool(opts, "--progress") {
		c.Progress = true
	}
	return nil
}

func setupLogging(logto, level string, stdout io.Writer) error {
	switch logto {
	case "", "stderr":
		logrus.SetOutput(os.Stderr)
	case "stdout":
		logrus.SetOutput(stdout)
	case "syslog":
		syslogger, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", "tcpbench")
		if err != nil {
			return fmt.Errorf("syslog: %w", err)
		}
		logrus.SetOutput(syslogger)
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	default:
		logfd, err := os.OpenFile(logto, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		logrus.SetOutput(logfd)
	}

	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}

func readConfigFile(path string) (*config.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.ReadFile(f)
}

func optString(opts docopt.Opts, key string) string {
	v, _ := opts[key].(string)
	return v
}

func optBool(opts docopt.Opts, key string) bool {
	v, _ := opts[key].(bool)
	return v
}
