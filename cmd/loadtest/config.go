package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

type loadMode string

const (
	modeCommit    loadMode = "commit"
	modeCommitPay loadMode = "commit-pay"
	modeCart      loadMode = "cart"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	sku         string
	qty         int64
	restock     int64
	currency    string
	userTag     string
	skipStock   bool
	outputPath  string
}

func durationFlag(target *time.Duration, what string) func(string) error {
	return func(raw string) error {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", what, err)
		}
		*target = d
		return nil
	}
}

func parseConfig(args []string, stderr io.Writer) (config, error) {
	cfg := config{mode: modeCommit, timeout: 5 * time.Second}

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; with -duration only used when set explicitly")
	fs.Func("duration", "optional time-based run duration (e.g. 1m)", durationFlag(&cfg.duration, "duration"))
	fs.Func("timeout", "per-RPC timeout (default 5s)", durationFlag(&cfg.timeout, "timeout"))
	fs.Func("mode", "load mode: commit | commit-pay | cart (default commit)", func(raw string) error {
		mode, err := parseMode(raw)
		cfg.mode = mode
		return err
	})
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.StringVar(&cfg.sku, "sku", "SKU-HOT", "contended sku")
	fs.Int64Var(&cfg.qty, "qty", 1, "units per order")
	fs.Int64Var(&cfg.restock, "restock", 0, "units to add to the sku before the run (0 keeps current stock)")
	fs.StringVar(&cfg.currency, "currency", "", "order currency (empty uses the sku currency)")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.BoolVar(&cfg.skipStock, "skip-stock-check", false, "do not probe stock before and after the run")
	fs.StringVar(&cfg.outputPath, "output", "", "optional report file (.json, .yaml or .yml)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) { cfg.totalSet = cfg.totalSet || f.Name == "total" })
	cfg.sku = strings.TrimSpace(cfg.sku)
	return cfg, cfg.validate()
}

// validate возвращает первое нарушенное правило.
func (cfg config) validate() error {
	rules := []struct {
		broken bool
		msg    string
	}{
		{cfg.duration < 0, "duration must be >= 0"},
		{cfg.duration == 0 && cfg.total <= 0, "total must be > 0 when duration is not set"},
		{cfg.duration > 0 && cfg.totalSet && cfg.total <= 0, "total must be > 0 when explicitly set with duration"},
		{cfg.concurrency <= 0, "concurrency must be > 0"},
		{cfg.connections <= 0, "connections must be > 0"},
		{cfg.timeout <= 0, "timeout must be > 0"},
		{cfg.qty <= 0, "qty must be > 0"},
		{cfg.restock < 0, "restock must be >= 0"},
		{cfg.sku == "", "sku is required"},
		{strings.TrimSpace(cfg.userTag) == "", "user-tag is required"},
	}
	for _, rule := range rules {
		if rule.broken {
			return errors.New(rule.msg)
		}
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	switch mode {
	case modeCommit, modeCommitPay, modeCart:
		return mode, nil
	}
	return "", fmt.Errorf("unsupported mode: %s", value)
}

// limit возвращает число сценариев или -1, если прогон ограничен только временем.
func (cfg config) limit() int {
	if cfg.duration > 0 && !cfg.totalSet {
		return -1
	}
	return cfg.total
}
