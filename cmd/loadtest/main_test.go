package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	checkoutv1 "github.com/vladislavdragonenkov/checkout/api/checkout/v1"
	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/cart"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/expiry"
	grpcsvc "github.com/vladislavdragonenkov/checkout/internal/service/grpc"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

// fakeClient реализует только нужные методы, остальные паникуют на nil-интерфейсе.
type fakeClient struct {
	checkoutv1.CheckoutServiceClient

	commitFn   func(context.Context, *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error)
	confirmFn  func(context.Context, *checkoutv1.ConfirmPaymentRequest) (*checkoutv1.ConfirmPaymentResponse, error)
	applyFn    func(context.Context, *checkoutv1.ApplyCartLineRequest) (*checkoutv1.ApplyCartLineResponse, error)
	checkoutFn func(context.Context, *checkoutv1.CheckoutCartRequest) (*checkoutv1.CheckoutCartResponse, error)
	validateFn func(context.Context, *checkoutv1.ValidateLinesRequest) (*checkoutv1.ValidateLinesResponse, error)
	restockFn  func(context.Context, *checkoutv1.RestockSKURequest) (*checkoutv1.RestockSKUResponse, error)
}

func (f *fakeClient) CommitOrder(ctx context.Context, in *checkoutv1.CommitOrderRequest, _ ...grpc.CallOption) (*checkoutv1.CommitOrderResponse, error) {
	return f.commitFn(ctx, in)
}

func (f *fakeClient) ConfirmPayment(ctx context.Context, in *checkoutv1.ConfirmPaymentRequest, _ ...grpc.CallOption) (*checkoutv1.ConfirmPaymentResponse, error) {
	return f.confirmFn(ctx, in)
}

func (f *fakeClient) ApplyCartLine(ctx context.Context, in *checkoutv1.ApplyCartLineRequest, _ ...grpc.CallOption) (*checkoutv1.ApplyCartLineResponse, error) {
	return f.applyFn(ctx, in)
}

func (f *fakeClient) CheckoutCart(ctx context.Context, in *checkoutv1.CheckoutCartRequest, _ ...grpc.CallOption) (*checkoutv1.CheckoutCartResponse, error) {
	return f.checkoutFn(ctx, in)
}

func (f *fakeClient) ValidateLines(ctx context.Context, in *checkoutv1.ValidateLinesRequest, _ ...grpc.CallOption) (*checkoutv1.ValidateLinesResponse, error) {
	return f.validateFn(ctx, in)
}

func (f *fakeClient) RestockSKU(ctx context.Context, in *checkoutv1.RestockSKURequest, _ ...grpc.CallOption) (*checkoutv1.RestockSKUResponse, error) {
	return f.restockFn(ctx, in)
}

// fakeStock хранит потокобезопасный остаток одного sku; oversell отключает проверку остатка.
type fakeStock struct {
	mu        sync.Mutex
	available int64
	oversell  bool
}

func (s *fakeStock) client() *fakeClient {
	return &fakeClient{
		commitFn: func(_ context.Context, req *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			qty := req.Lines[0].Qty
			if qty > s.available && !s.oversell {
				return nil, status.Error(codes.FailedPrecondition, "insufficient stock")
			}
			s.available -= qty
			return &checkoutv1.CommitOrderResponse{Order: checkoutv1.Order{ID: "order-" + req.UserID, Status: "pending"}}, nil
		},
		confirmFn: func(context.Context, *checkoutv1.ConfirmPaymentRequest) (*checkoutv1.ConfirmPaymentResponse, error) {
			return &checkoutv1.ConfirmPaymentResponse{Result: "applied"}, nil
		},
		validateFn: func(_ context.Context, req *checkoutv1.ValidateLinesRequest) (*checkoutv1.ValidateLinesResponse, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			line := req.Lines[0]
			return &checkoutv1.ValidateLinesResponse{Reasons: []checkoutv1.RejectReason{{
				SKU: line.SKU, Code: "insufficient_stock", Requested: line.Qty, Available: s.available,
			}}}, nil
		},
		restockFn: func(_ context.Context, req *checkoutv1.RestockSKURequest) (*checkoutv1.RestockSKUResponse, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.available += req.Qty
			return &checkoutv1.RestockSKUResponse{SKU: req.SKU, AvailableQty: s.available}, nil
		},
	}
}

func baseConfig() config {
	return config{
		total:       30,
		concurrency: 8,
		connections: 1,
		timeout:     time.Second,
		mode:        modeCommit,
		sku:         "SKU-HOT",
		qty:         1,
		userTag:     "load",
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    loadMode
		wantErr bool
	}{
		{input: "commit", want: modeCommit},
		{input: " commit-pay ", want: modeCommitPay},
		{input: "cart", want: modeCart},
		{input: "create", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseMode(tc.input)
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unsupported mode") {
					t.Fatalf("expected unsupported mode error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("mode: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseConfig(nil, io.Discard)
		if err != nil {
			t.Fatalf("parseConfig: %v", err)
		}
		if cfg.mode != modeCommit || cfg.sku != "SKU-HOT" || cfg.qty != 1 || cfg.total != 400 || cfg.totalSet {
			t.Fatalf("unexpected defaults: %+v", cfg)
		}
		if cfg.timeout != 5*time.Second || cfg.duration != 0 {
			t.Fatalf("unexpected durations: timeout=%s duration=%s", cfg.timeout, cfg.duration)
		}
	})

	t.Run("explicit flags", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-addr=127.0.0.1:9000",
			"-mode=cart",
			"-sku= SKU-X ",
			"-qty=3",
			"-restock=100",
			"-total=10",
			"-duration=2s",
			"-timeout=250ms",
			"-skip-stock-check",
		}, io.Discard)
		if err != nil {
			t.Fatalf("parseConfig: %v", err)
		}
		if cfg.addr != "127.0.0.1:9000" || cfg.mode != modeCart || cfg.sku != "SKU-X" || cfg.qty != 3 || cfg.restock != 100 {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if !cfg.totalSet || cfg.duration != 2*time.Second || cfg.timeout != 250*time.Millisecond || !cfg.skipStock {
			t.Fatalf("unexpected config: %+v", cfg)
		}
	})

	errorCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "bad timeout", args: []string{"-timeout=soon"}, wantErr: "parse timeout"},
		{name: "bad duration", args: []string{"-duration=x"}, wantErr: "parse duration"},
		{name: "negative duration", args: []string{"-duration=-1s"}, wantErr: "duration must be >= 0"},
		{name: "zero total", args: []string{"-total=0"}, wantErr: "total must be > 0"},
		{name: "zero total with duration", args: []string{"-duration=1s", "-total=0"}, wantErr: "explicitly set"},
		{name: "zero concurrency", args: []string{"-concurrency=0"}, wantErr: "concurrency"},
		{name: "zero connections", args: []string{"-connections=0"}, wantErr: "connections"},
		{name: "zero qty", args: []string{"-qty=0"}, wantErr: "qty must be > 0"},
		{name: "negative restock", args: []string{"-restock=-1"}, wantErr: "restock"},
		{name: "empty sku", args: []string{"-sku= "}, wantErr: "sku is required"},
		{name: "empty user tag", args: []string{"-user-tag="}, wantErr: "user-tag"},
		{name: "bad mode", args: []string{"-mode=create"}, wantErr: "unsupported mode"},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: "flag provided but not defined"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig(tc.args, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRealMainExitCodes(t *testing.T) {
	ctx := context.Background()
	if got := realMain(ctx, []string{"-h"}, io.Discard, io.Discard); got != exitOK {
		t.Fatalf("help exit code = %d, want %d", got, exitOK)
	}

	var stderr bytes.Buffer
	if got := realMain(ctx, []string{"-qty=0"}, io.Discard, &stderr); got != exitUsage {
		t.Fatalf("invalid flags exit code = %d, want %d", got, exitUsage)
	}
	if !strings.Contains(stderr.String(), "qty must be > 0") {
		t.Fatalf("expected validation message, got %q", stderr.String())
	}
}

func TestConfigLimit(t *testing.T) {
	if got := (config{total: 5}).limit(); got != 5 {
		t.Fatalf("count mode limit = %d", got)
	}
	if got := (config{total: 5, duration: time.Second}).limit(); got != -1 {
		t.Fatalf("duration mode limit = %d", got)
	}
	if got := (config{total: 5, duration: time.Second, totalSet: true}).limit(); got != 5 {
		t.Fatalf("duration with max total limit = %d", got)
	}
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Fatalf("unexpected jobs sequence: %v", got)
		}
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		done := make(chan struct{})
		go func() {
			dispatchJobs(context.Background(), jobs, config{duration: 20 * time.Millisecond})
			close(done)
		}()

		count := 0
		for range jobs {
			count++
		}
		<-done
		if count == 0 {
			t.Fatalf("expected jobs in duration mode")
		}
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		if count != 3 {
			t.Fatalf("expected 3 jobs, got %d", count)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		jobs := make(chan int)
		dispatchJobs(ctx, jobs, config{total: 100})
		if _, ok := <-jobs; ok {
			t.Fatalf("expected closed channel without jobs")
		}
	})
}

func TestCollectorSeparatesRejections(t *testing.T) {
	c := newCollector()
	c.record(scenarioMethod, 10*time.Millisecond, codes.OK)
	c.record(scenarioMethod, 20*time.Millisecond, codes.FailedPrecondition)
	c.record(scenarioMethod, 30*time.Millisecond, codes.Unavailable)
	c.record("CommitOrder", 15*time.Millisecond, codes.OK)

	snap, ok := c.snapshot(scenarioMethod)
	if !ok {
		t.Fatalf("scenario snapshot missing")
	}
	if snap.Calls != 3 || snap.Success != 1 || snap.Rejected != 1 || snap.Failed != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, ok := c.snapshot("GetOrder"); ok {
		t.Fatalf("unexpected snapshot for unknown method")
	}

	r := c.buildReport(time.Now(), 2*time.Second)
	if r.TotalScenarios != 3 || r.Committed != 1 || r.Rejected != 1 || r.FailedScenarios != 1 {
		t.Fatalf("unexpected report totals: %+v", r)
	}
	if r.RPS != 1.5 {
		t.Fatalf("rps: got %f want 1.5", r.RPS)
	}
	if r.ScenarioLatencyMs.Max != 30 {
		t.Fatalf("unexpected scenario latency: %+v", r.ScenarioLatencyMs)
	}
	if r.Healthy() {
		t.Fatalf("report with failed scenarios must not be healthy")
	}
}

func TestLatencyHelpers(t *testing.T) {
	if got := grpcCode(nil); got != codes.OK {
		t.Fatalf("grpcCode(nil) = %s", got)
	}
	if got := grpcCode(status.Error(codes.Unavailable, "down")); got != codes.Unavailable {
		t.Fatalf("grpcCode: %s", got)
	}
	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio: %f", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total: %f", got)
	}

	summary := buildLatencySummary([]float64{40, 10, 30, 20})
	if summary.Min != 10 || summary.Max != 40 || summary.Avg != 25 || summary.P50 != 25 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := buildLatencySummary(nil); got != (latencySummary{}) {
		t.Fatalf("empty summary: %+v", got)
	}
	if got := percentile([]float64{7}, 99); got != 7 {
		t.Fatalf("single value percentile: %f", got)
	}

	if got := runTarget(config{total: 50}); got != "count:50" {
		t.Fatalf("run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second}); got != "duration:2s" {
		t.Fatalf("run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}); got != "duration:2s,max-total:10" {
		t.Fatalf("run target: %s", got)
	}
}

func TestStockCheckEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		check    stockCheck
		oversold bool
	}{
		{name: "exact", check: stockCheck{Before: 10, After: 0, CommittedUnits: 10}},
		{name: "expired reservations returned", check: stockCheck{Before: 10, After: 4, CommittedUnits: 10}},
		{name: "negative stock", check: stockCheck{Before: 10, After: -1, CommittedUnits: 10}, oversold: true},
		{name: "sold more than stock", check: stockCheck{Before: 10, After: 0, CommittedUnits: 11}, oversold: true},
		{name: "lost units", check: stockCheck{Before: 10, After: 0, CommittedUnits: 9}, oversold: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			check := tc.check
			check.evaluate()
			if check.Oversold != tc.oversold {
				t.Fatalf("oversold: got %t want %t", check.Oversold, tc.oversold)
			}
			if check.Consistent() == tc.oversold {
				t.Fatalf("consistent must be the opposite of oversold")
			}
		})
	}

	if (stockCheck{Error: "probe failed"}).Consistent() {
		t.Fatalf("check with probe error must not be consistent")
	}
}

func TestRunScenarioModes(t *testing.T) {
	t.Run("commit sends idempotency key", func(t *testing.T) {
		c := newCollector()
		client := &fakeClient{
			commitFn: func(ctx context.Context, req *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error) {
				mustHaveIdempotencyKey(t, ctx, "lt-commit-run-1-7")
				if req.UserID != "load-run-1-7" || req.Lines[0].SKU != "SKU-HOT" || req.Shipping.Country == "" {
					t.Fatalf("unexpected request: %+v", req)
				}
				return &checkoutv1.CommitOrderResponse{Order: checkoutv1.Order{ID: "order-1"}}, nil
			},
		}
		if err := runScenario(context.Background(), client, baseConfig(), 7, "run-1", c); err != nil {
			t.Fatalf("runScenario: %v", err)
		}
		snap, _ := c.snapshot("CommitOrder")
		if snap.Success != 1 {
			t.Fatalf("unexpected CommitOrder stats: %+v", snap)
		}
	})

	t.Run("commit-pay confirms payment", func(t *testing.T) {
		c := newCollector()
		var confirmed string
		client := &fakeClient{
			commitFn: func(context.Context, *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error) {
				return &checkoutv1.CommitOrderResponse{Order: checkoutv1.Order{ID: "order-9"}}, nil
			},
			confirmFn: func(_ context.Context, req *checkoutv1.ConfirmPaymentRequest) (*checkoutv1.ConfirmPaymentResponse, error) {
				confirmed = req.OrderID + "/" + req.TransactionID
				return &checkoutv1.ConfirmPaymentResponse{Result: "applied"}, nil
			},
		}
		cfg := baseConfig()
		cfg.mode = modeCommitPay
		if err := runScenario(context.Background(), client, cfg, 2, "run-2", c); err != nil {
			t.Fatalf("runScenario: %v", err)
		}
		if confirmed != "order-9/lt-tx-run-2-2" {
			t.Fatalf("unexpected confirmation: %q", confirmed)
		}
	})

	t.Run("payment rejection is a failure", func(t *testing.T) {
		c := newCollector()
		client := &fakeClient{
			commitFn: func(context.Context, *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error) {
				return &checkoutv1.CommitOrderResponse{Order: checkoutv1.Order{ID: "order-3"}}, nil
			},
			confirmFn: func(context.Context, *checkoutv1.ConfirmPaymentRequest) (*checkoutv1.ConfirmPaymentResponse, error) {
				return nil, status.Error(codes.FailedPrecondition, "released")
			},
		}
		cfg := baseConfig()
		cfg.mode = modeCommitPay
		if err := runScenario(context.Background(), client, cfg, 3, "run-3", c); err == nil {
			t.Fatalf("expected payment error")
		}
		snap, _ := c.snapshot(scenarioMethod)
		if snap.Failed != 1 || snap.Rejected != 0 {
			t.Fatalf("unexpected scenario stats: %+v", snap)
		}
	})

	t.Run("cart mode", func(t *testing.T) {
		c := newCollector()
		var cartID string
		client := &fakeClient{
			applyFn: func(ctx context.Context, req *checkoutv1.ApplyCartLineRequest) (*checkoutv1.ApplyCartLineResponse, error) {
				mustHaveIdempotencyKey(t, ctx, "lt-cart-line-run-4-4")
				cartID = req.CartID
				if req.Delta != 2 {
					t.Fatalf("unexpected delta: %d", req.Delta)
				}
				return &checkoutv1.ApplyCartLineResponse{}, nil
			},
			checkoutFn: func(_ context.Context, req *checkoutv1.CheckoutCartRequest) (*checkoutv1.CheckoutCartResponse, error) {
				if req.CartID != cartID {
					t.Fatalf("checkout of another cart: %q vs %q", req.CartID, cartID)
				}
				return &checkoutv1.CheckoutCartResponse{Order: checkoutv1.Order{ID: "order-4"}}, nil
			},
		}
		cfg := baseConfig()
		cfg.mode = modeCart
		cfg.qty = 2
		if err := runScenario(context.Background(), client, cfg, 4, "run-4", c); err != nil {
			t.Fatalf("runScenario: %v", err)
		}
	})

	t.Run("empty order id", func(t *testing.T) {
		c := newCollector()
		client := &fakeClient{
			commitFn: func(context.Context, *checkoutv1.CommitOrderRequest) (*checkoutv1.CommitOrderResponse, error) {
				return &checkoutv1.CommitOrderResponse{}, nil
			},
		}
		err := runScenario(context.Background(), client, baseConfig(), 5, "run-5", c)
		if err == nil || !strings.Contains(err.Error(), "empty order id") {
			t.Fatalf("expected empty id error, got %v", err)
		}
	})
}

func TestProbeStock(t *testing.T) {
	tests := []struct {
		name    string
		resp    *checkoutv1.ValidateLinesResponse
		err     error
		want    int64
		wantErr string
	}{
		{
			name: "shortage reports available",
			resp: &checkoutv1.ValidateLinesResponse{Reasons: []checkoutv1.RejectReason{{SKU: "SKU-HOT", Code: "insufficient_stock", Available: 12}}},
			want: 12,
		},
		{name: "valid", resp: &checkoutv1.ValidateLinesResponse{Valid: true}, wantErr: "at least"},
		{
			name:    "invalid sku",
			resp:    &checkoutv1.ValidateLinesResponse{Reasons: []checkoutv1.RejectReason{{SKU: "SKU-HOT", Code: "invalid_sku"}}},
			wantErr: "invalid_sku",
		},
		{name: "no reason", resp: &checkoutv1.ValidateLinesResponse{}, wantErr: "no reason"},
		{name: "rpc error", err: status.Error(codes.Unavailable, "down"), wantErr: "probe stock"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{
				validateFn: func(_ context.Context, req *checkoutv1.ValidateLinesRequest) (*checkoutv1.ValidateLinesResponse, error) {
					if req.Lines[0].Qty != probeQty {
						t.Fatalf("unexpected probe qty: %d", req.Lines[0].Qty)
					}
					return tc.resp, tc.err
				},
			}
			got, err := probeStock(context.Background(), client, time.Second, "SKU-HOT")
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("probeStock: %v", err)
			}
			if got != tc.want {
				t.Fatalf("available: got %d want %d", got, tc.want)
			}
		})
	}
}

func TestRunHotSKUContention(t *testing.T) {
	stock := &fakeStock{available: 5}
	cfg := baseConfig()
	cfg.restock = 5

	result, err := run(context.Background(), cfg, []checkoutv1.CheckoutServiceClient{stock.client(), stock.client()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.TotalScenarios != 30 || result.Committed != 10 || result.Rejected != 20 || result.FailedScenarios != 0 {
		t.Fatalf("unexpected totals: %+v", result)
	}
	if result.Stock == nil || result.Stock.Before != 10 || result.Stock.After != 0 || result.Stock.CommittedUnits != 10 {
		t.Fatalf("unexpected stock check: %+v", result.Stock)
	}
	if !result.Healthy() {
		t.Fatalf("expected healthy report: %+v", result.Stock)
	}
}

func TestRunDetectsOversell(t *testing.T) {
	stock := &fakeStock{available: 3, oversell: true}
	cfg := baseConfig()
	cfg.total = 5

	result, err := run(context.Background(), cfg, []checkoutv1.CheckoutServiceClient{stock.client()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Stock == nil || !result.Stock.Oversold || result.Stock.After != -2 {
		t.Fatalf("expected oversold stock check: %+v", result.Stock)
	}
	if result.Healthy() {
		t.Fatalf("oversold run must not be healthy")
	}
}

func TestRunErrors(t *testing.T) {
	if _, err := run(context.Background(), baseConfig(), nil); err == nil {
		t.Fatalf("expected error without clients")
	}

	failingRestock := &fakeClient{
		restockFn: func(context.Context, *checkoutv1.RestockSKURequest) (*checkoutv1.RestockSKUResponse, error) {
			return nil, status.Error(codes.FailedPrecondition, "unknown sku")
		},
	}
	cfg := baseConfig()
	cfg.restock = 1
	if _, err := run(context.Background(), cfg, []checkoutv1.CheckoutServiceClient{failingRestock}); err == nil || !strings.Contains(err.Error(), "restock") {
		t.Fatalf("expected restock error, got %v", err)
	}
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	sample := report{TotalScenarios: 2, Committed: 1, Rejected: 1, Stock: &stockCheck{SKU: "SKU-HOT", Before: 1}}
	if err := writeReport(path, sample); err != nil {
		t.Fatalf("writeReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Committed != 1 || decoded.Rejected != 1 || decoded.Stock == nil || decoded.Stock.SKU != "SKU-HOT" {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	for _, bad := range []string{".", "..", "../report.json"} {
		if err := writeReport(bad, sample); err == nil {
			t.Fatalf("expected error for path %q", bad)
		}
	}
}

func TestWriteReport_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")

	sample := report{TotalScenarios: 3, Committed: 2, FailedScenarios: 1}
	require.NoError(t, writeReport(path, sample))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "committed: 2")
	require.Contains(t, string(data), "failed_scenarios: 1")
	require.NotContains(t, string(data), "stock:")
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios: 2,
		Committed:      1,
		Rejected:       1,
		Methods: map[string]methodReport{
			scenarioMethod: {Calls: 2, Success: 1, Rejected: 1},
			"CommitOrder":  {Calls: 2, Success: 1, Rejected: 1},
		},
		Stock: &stockCheck{SKU: "SKU-HOT", Before: 1, After: 0, CommittedUnits: 1},
	}

	var out bytes.Buffer
	printReport(&out, r, config{mode: modeCommit, sku: "SKU-HOT", qty: 1, total: 2})

	text := out.String()
	for _, want := range []string{"Checkout contention summary", "committed=1 rejected=1", "CommitOrder:", "oversold=false"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
	if strings.Contains(text, "scenario:") {
		t.Fatalf("scenario must not be printed as a method:\n%s", text)
	}
}

// TestRunAgainstCheckoutService гоняет конкурентные коммиты через настоящий сервис на memory-хранилище.
func TestRunAgainstCheckoutService(t *testing.T) {
	client := newCheckoutServer(t, "SKU-HOT", 7)

	cfg := baseConfig()
	cfg.total = 25
	cfg.concurrency = 10
	cfg.timeout = 5 * time.Second

	result, err := run(context.Background(), cfg, []checkoutv1.CheckoutServiceClient{client})
	require.NoError(t, err)
	require.EqualValues(t, 7, result.Committed)
	require.EqualValues(t, 18, result.Rejected)
	require.Zero(t, result.FailedScenarios)
	require.NotNil(t, result.Stock)
	require.EqualValues(t, 7, result.Stock.Before)
	require.Zero(t, result.Stock.After)
	require.True(t, result.Healthy())
}

func newCheckoutServer(t *testing.T, sku string, qty int64) checkoutv1.CheckoutServiceClient {
	t.Helper()

	store := memory.NewStore()
	_, err := store.Catalog().UpsertSKU(context.Background(), domain.SKU{
		ID:             sku,
		ProductID:      "product-" + sku,
		UnitPriceMinor: 100,
		Currency:       "RUB",
		AvailableQty:   qty,
		Active:         true,
	})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logger.WithField("component", "loadtest-test")

	carts := cart.NewAggregator(store.Carts(), store.Catalog(), entry)
	api := grpcsvc.NewCheckoutService(grpcsvc.Dependencies{
		Checkout:    checkout.NewService(store, expiry.NewScheduler(store, nil, entry), checkout.WithCarts(carts), checkout.WithLogger(entry)),
		Carts:       carts,
		Inventory:   inventory.NewService(store, entry),
		Idempotency: memory.NewIdempotencyRepository(),
		Logger:      entry,
	})

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer(grpc.UnaryInterceptor(grpcsvc.UnaryServerInterceptor(entry)))
	checkoutv1.RegisterCheckoutServiceServer(server, api)
	go func() {
		_ = server.Serve(listener)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return checkoutv1.NewCheckoutServiceClient(conn)
}

func mustHaveIdempotencyKey(t *testing.T, ctx context.Context, want string) {
	t.Helper()

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatalf("missing outgoing metadata")
	}
	values := md.Get(idempotencyHeader)
	if len(values) != 1 || values[0] != want {
		t.Fatalf("unexpected idempotency key: got=%v want=%q", values, want)
	}
}
