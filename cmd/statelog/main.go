package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/ttaaoo/statelog/internal/agent"
	"github.com/ttaaoo/statelog/internal/config"
	"github.com/ttaaoo/statelog/internal/log"
)

const usage = `usage: statelog [-config file] [-dir dir] [-log-level level] <command> [args]

commands:
  append <payload>...   append payloads, printing their indexes
  get <index>           print the payload at index
  info                  print the log's range and segments
  truncate <index>      discard every entry at or after index
  compact <retention>   delete segments below the retention index
  export                write the raw segment files to stdout
  serve [flags]         run a cluster node applying stdin lines through raft;
                        the node keeps its log in <dir>/log
`

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "statelog").Logger()
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("statelog", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", os.Getenv("STATELOG_CONFIG"), "Path to a YAML or JSON config file")
	dir := fs.String("dir", "", "Log directory (overrides the config file)")
	level := fs.String("log-level", "", "Log level (overrides the config file)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	file := &config.File{}
	if *configPath != "" {
		var err error
		if file, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dir != "" {
		file.Dir = *dir
	}
	if *level != "" {
		file.LogLevel = *level
	}
	lvl, err := file.Level()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)

	c, err := file.LogConfig()
	if err != nil {
		return err
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "serve" {
		return serve(c, file.Agent, cmdArgs, stdin, stdout)
	}

	l, err := log.Open(c)
	if err != nil {
		return err
	}
	defer l.Close()

	switch cmd {
	case "append":
		return appendPayloads(l, cmdArgs, stdout)
	case "get":
		return get(l, cmdArgs, stdout)
	case "info":
		return info(l, stdout)
	case "truncate":
		index, err := indexArg(cmdArgs)
		if err != nil {
			return err
		}
		return l.Truncate(index)
	case "compact":
		index, err := indexArg(cmdArgs)
		if err != nil {
			return err
		}
		return l.Compact(index)
	case "export":
		r, err := l.Reader()
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(stdout, r)
		return err
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func indexArg(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one index argument, got %d", len(args))
	}
	return strconv.ParseUint(args[0], 10, 64)
}

func appendPayloads(l *log.Log, payloads []string, stdout io.Writer) error {
	for _, p := range payloads {
		index, err := l.Append([]byte(p))
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, index)
	}
	return nil
}

func get(l *log.Log, args []string, stdout io.Writer) error {
	index, err := indexArg(args)
	if err != nil {
		return err
	}
	e, err := l.Get(index)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", e.Payload)
	return err
}

func info(l *log.Log, stdout io.Writer) error {
	first, err := l.FirstIndex()
	if err != nil {
		return err
	}
	next, err := l.NextIndex()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "dir: %s\nfirst: %d\nnext: %d\nentries: %d\nsize: %d\n",
		l.Dir, first, next, next-first, l.Size())
	for _, s := range l.Segments() {
		state := "active"
		if s.Sealed {
			state = "sealed"
		}
		fmt.Fprintf(stdout, "segment %d: entries=%d size=%d created=%s %s\n",
			s.BaseIndex, s.Len(), s.Size, s.CreatedAt.UTC().Format(time.RFC3339), state)
	}
	return nil
}

func serve(c log.Config, file config.Agent, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", orDefault(file.BindAddr, "127.0.0.1:8401"), "Address serf gossips on")
	raftPort := fs.Int("raft-port", orDefaultInt(file.RaftPort, 8402), "Port the raft transport listens on")
	node := fs.String("node", file.NodeName, "Node name (random when empty)")
	join := fs.String("join", strings.Join(file.Join, ","), "Comma-separated serf addresses of existing members")
	bootstrap := fs.Bool("bootstrap", file.Bootstrap, "Start a new cluster (implied when -join is empty)")
	metricsPort := fs.Int("metrics-port", file.MetricsPort, "Port for the Prometheus exporter (0 disables it)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var ac agent.Config
	ac.DataDir = c.Dir
	ac.Log = c
	ac.BindAddr = *bind
	ac.RaftPort = *raftPort
	ac.NodeName = *node
	if *join != "" {
		ac.StartJoinAddrs = strings.Split(*join, ",")
	}
	ac.Bootstrap = *bootstrap || len(ac.StartJoinAddrs) == 0
	ac.MetricsPort = *metricsPort

	a, err := agent.New(ac)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "serve").Str("node", a.NodeName).Logger()
	if err := a.WaitForLeader(30 * time.Second); err != nil {
		return err
	}
	logger.Info().Str("leader", a.Leader()).Msg("serving")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Error().Err(err).Msg("failed to read stdin")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			applyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			index, err := a.Apply(applyCtx, []byte(line))
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("failed to apply")
				continue
			}
			fmt.Fprintln(stdout, index)
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}
