// Command loadtest бьёт конкурентными коммитами в один hot-sku и проверяет,
// что остаток не ушёл в минус.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	checkoutv1 "github.com/vladislavdragonenkov/checkout/api/checkout/v1"
)

// Коды выхода: 1 для сбоя прогона или перепродажи, 2 для неверных флагов.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := realMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func realMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return exitUsage
	}

	clients, closeAll, err := dial(cfg.addr, cfg.connections)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to create grpc client connection: %v\n", err)
		return exitFailure
	}
	defer closeAll()

	result, err := run(ctx, cfg, clients)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load test failed: %v\n", err)
		return exitFailure
	}

	printReport(stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "failed to write report: %v\n", err)
			return exitFailure
		}
	}
	if !result.Healthy() {
		return exitFailure
	}
	return exitOK
}

// dial открывает n независимых соединений: один HTTP/2 поток не создаёт нужной конкуренции.
func dial(addr string, n int) ([]checkoutv1.CheckoutServiceClient, func(), error) {
	conns := make([]*grpc.ClientConn, 0, n)
	closeAll := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}

	clients := make([]checkoutv1.CheckoutServiceClient, 0, n)
	for range n {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, conn)
		clients = append(clients, checkoutv1.NewCheckoutServiceClient(conn))
	}
	return clients, closeAll, nil
}

// run готовит остаток, гоняет сценарии пулом воркеров и сверяет остаток после прогона.
func run(ctx context.Context, cfg config, clients []checkoutv1.CheckoutServiceClient) (report, error) {
	if len(clients) == 0 {
		return report{}, errors.New("at least one client is required")
	}
	probe := clients[0]

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())

	if cfg.restock > 0 {
		if _, err := restock(ctx, probe, cfg.timeout, cfg.sku, cfg.restock, "lt-restock-"+runID); err != nil {
			return report{}, err
		}
	}

	var stock *stockCheck
	if !cfg.skipStock {
		before, err := probeStock(ctx, probe, cfg.timeout, cfg.sku)
		if err != nil {
			return report{}, err
		}
		stock = &stockCheck{SKU: cfg.sku, Before: before}
	}

	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)
	var workers errgroup.Group
	for i := range cfg.concurrency {
		client := clients[i%len(clients)]
		workers.Go(func() error {
			for index := range jobs {
				_ = runScenario(ctx, client, cfg, index, runID, col)
			}
			return nil
		})
	}
	dispatchJobs(ctx, jobs, cfg)
	_ = workers.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if stock != nil {
		committedOrders := result.Methods["CommitOrder"].Success + result.Methods["CheckoutCart"].Success
		stock.CommittedUnits = committedOrders * cfg.qty

		after, err := probeStock(context.WithoutCancel(ctx), probe, cfg.timeout, cfg.sku)
		if err != nil {
			stock.Error = err.Error()
		} else {
			stock.After = after
			stock.evaluate()
		}
		result.Stock = stock
	}
	return result, nil
}

// dispatchJobs раздаёт номера сценариев, пока не исчерпан лимит, не истекла
// длительность прогона или не отменён ctx. Канал закрывается на выходе.
func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	limit := cfg.limit()
	for i := 0; limit < 0 || i < limit; i++ {
		select {
		case jobs <- i:
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}
