package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBuilder struct {
	mu      sync.Mutex
	fail    map[string]bool
	builds  int
}

func (b *fakeBuilder) Build(_ context.Context, wallet types.SwarmWallet, amount decimal.Decimal, intent types.SwarmIntent) (SignedTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds++
	if b.fail[wallet.ID] {
		return SignedTx{}, fmt.Errorf("simulated build failure for %s", wallet.ID)
	}
	return SignedTx{WalletID: wallet.ID, Raw: []byte(wallet.ID)}, nil
}

type fakeSender struct {
	mu         sync.Mutex
	fail       map[string]bool
	unconfirm  map[string]bool
	sends      []string
}

func (s *fakeSender) Send(_ context.Context, tx SignedTx) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[tx.WalletID] {
		return "", fmt.Errorf("simulated send failure for %s", tx.WalletID)
	}
	s.sends = append(s.sends, tx.WalletID)
	return "sig-" + tx.WalletID, nil
}

func (s *fakeSender) Confirm(_ context.Context, signature string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.unconfirm {
		if signature == "sig-"+id {
			return errors.New("confirmation timed out")
		}
	}
	return nil
}

type fakeBundler struct {
	mu      sync.Mutex
	reject  bool
	bundles [][]SignedTx
	next    int
}

func (b *fakeBundler) SubmitBundle(_ context.Context, txs []SignedTx) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reject {
		return "", errors.New("bundle rejected")
	}
	b.bundles = append(b.bundles, txs)
	b.next++
	return fmt.Sprintf("bundle-%d", b.next), nil
}

type fakePosition struct {
	positions map[string]decimal.Decimal
}

func (f *fakePosition) OnChainPosition(_ context.Context, walletPublicKey, mint string) (decimal.Decimal, error) {
	if v, ok := f.positions[walletPublicKey]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func (f *fakePosition) OnChainSolBalance(_ context.Context, walletPublicKey string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func wallet(id string, solBalance float64) types.SwarmWallet {
	return types.SwarmWallet{
		ID: id, PublicKey: "pub-" + id,
		SolBalance: decimal.NewFromFloat(solBalance),
		Enabled:    true,
	}
}

func buyIntent(amount float64) types.SwarmIntent {
	return types.SwarmIntent{
		Mint: "MINT1", Action: types.Buy,
		AmountPerWallet: decimal.NewFromFloat(amount),
	}
}

func TestSelectWalletsFiltersInsufficientBuyBalance(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1.0), wallet("w2", 0.005)}
	ex := New(&fakeBuilder{}, &fakeSender{}, nil, &fakePosition{}, Config{}, testLogger())

	result, err := ex.Dispatch(context.Background(), wallets, buyIntent(0.5))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.Wallets) != 1 || result.Wallets[0].WalletID != "w1" {
		t.Fatalf("expected only w1 selected, got %+v", result.Wallets)
	}
}

func TestSelectWalletsSellRequiresOnChainPosition(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1.0), wallet("w2", 1.0)}
	pos := &fakePosition{positions: map[string]decimal.Decimal{"pub-w1": decimal.NewFromInt(10)}}
	ex := New(&fakeBuilder{}, &fakeSender{}, nil, pos, Config{}, testLogger())

	intent := types.SwarmIntent{Mint: "MINT1", Action: types.Sell, AmountPerWallet: decimal.NewFromInt(5)}
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.Wallets) != 1 || result.Wallets[0].WalletID != "w1" {
		t.Fatalf("expected only w1 (has position) selected, got %+v", result.Wallets)
	}
}

func TestDispatchReturnsErrorWhenNoWalletsSufficient(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 0.001)}
	ex := New(&fakeBuilder{}, &fakeSender{}, nil, &fakePosition{}, Config{}, testLogger())

	_, err := ex.Dispatch(context.Background(), wallets, buyIntent(0.5))
	if err == nil {
		t.Fatal("expected error when no wallet has sufficient balance")
	}
}

func TestResolveModeDefaultsByWalletCount(t *testing.T) {
	t.Parallel()
	ex := New(nil, nil, &fakeBundler{}, nil, Config{BundlingEnabled: true}, testLogger())

	cases := []struct {
		n    int
		want types.SwarmMode
	}{
		{1, types.SwarmParallel},
		{3, types.SwarmBundle},
		{5, types.SwarmBundle},
		{10, types.SwarmMultiBundle},
	}
	for _, c := range cases {
		got := ex.resolveMode("", c.n)
		if got != c.want {
			t.Errorf("resolveMode(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestResolveModeFallsBackToParallelWhenBundlingDisabled(t *testing.T) {
	t.Parallel()
	ex := New(nil, nil, nil, nil, Config{BundlingEnabled: false}, testLogger())
	if got := ex.resolveMode("", 3); got != types.SwarmParallel {
		t.Errorf("resolveMode(3) = %v, want parallel when bundling disabled", got)
	}
}

func TestResolveModeUserOverrideWins(t *testing.T) {
	t.Parallel()
	ex := New(nil, nil, &fakeBundler{}, nil, Config{BundlingEnabled: true}, testLogger())
	if got := ex.resolveMode(types.SwarmSequential, 3); got != types.SwarmSequential {
		t.Errorf("resolveMode override = %v, want sequential", got)
	}
}

func TestDispatchParallelSendsAllWallets(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1), wallet("w2", 1), wallet("w3", 1)}
	sender := &fakeSender{}
	ex := New(&fakeBuilder{}, sender, nil, &fakePosition{}, Config{}, testLogger())

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmParallel
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.Wallets) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result.Wallets))
	}
	for _, r := range result.Wallets {
		if !r.Success {
			t.Errorf("wallet %s should have succeeded: %s", r.WalletID, r.Error)
		}
	}
	if !result.TotalUSDSpent.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("TotalUSDSpent = %v, want 0.3", result.TotalUSDSpent)
	}
}

func TestDispatchParallelRecordsPerWalletBuildFailure(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1), wallet("w2", 1)}
	builder := &fakeBuilder{fail: map[string]bool{"w2": true}}
	ex := New(builder, &fakeSender{}, nil, &fakePosition{}, Config{}, testLogger())

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmParallel
	result, _ := ex.Dispatch(context.Background(), wallets, intent)

	var sawFailure bool
	for _, r := range result.Wallets {
		if r.WalletID == "w2" && !r.Success {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("expected w2 to fail: %+v", result.Wallets)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want 1 entry", result.Errors)
	}
}

func TestDispatchBundleSubmitsAtomicGroup(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1), wallet("w2", 1), wallet("w3", 1)}
	bundler := &fakeBundler{}
	ex := New(&fakeBuilder{}, &fakeSender{}, bundler, &fakePosition{}, Config{}, testLogger())

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmBundle
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.BundleIDs) != 1 {
		t.Fatalf("expected 1 bundle id, got %v", result.BundleIDs)
	}
	if len(result.Wallets) != 3 {
		t.Fatalf("expected 3 wallet results, got %d", len(result.Wallets))
	}
	for _, r := range result.Wallets {
		if !r.Success || r.Handle != result.BundleIDs[0] {
			t.Errorf("wallet result %+v should reference bundle id %s", r, result.BundleIDs[0])
		}
	}
}

func TestDispatchBundleFallsBackToParallelOnRejection(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1), wallet("w2", 1)}
	bundler := &fakeBundler{reject: true}
	sender := &fakeSender{}
	ex := New(&fakeBuilder{}, sender, bundler, &fakePosition{}, Config{}, testLogger())

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmBundle
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.BundleIDs) != 0 {
		t.Fatalf("expected no bundle id on fallback, got %v", result.BundleIDs)
	}
	for _, r := range result.Wallets {
		if !r.Success {
			t.Errorf("expected fallback parallel send to succeed for %s", r.WalletID)
		}
	}
}

func TestDispatchMultiBundleChunksIntoGroupsOfFive(t *testing.T) {
	t.Parallel()
	var wallets []types.SwarmWallet
	for i := 0; i < 12; i++ {
		wallets = append(wallets, wallet(fmt.Sprintf("w%d", i), 1))
	}
	bundler := &fakeBundler{}
	ex := New(&fakeBuilder{}, &fakeSender{}, bundler, &fakePosition{}, Config{}, testLogger())

	intent := buyIntent(0.01)
	intent.Mode = types.SwarmMultiBundle
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.BundleIDs) != 3 {
		t.Fatalf("expected 3 bundles (5+5+2), got %d: %v", len(result.BundleIDs), result.BundleIDs)
	}
	if len(result.Wallets) != 12 {
		t.Fatalf("expected 12 wallet results, got %d", len(result.Wallets))
	}
}

func TestDispatchSequentialStaggersAndConfirms(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1), wallet("w2", 1)}
	sender := &fakeSender{}
	ex := New(&fakeBuilder{}, sender, nil, &fakePosition{}, Config{DefaultRateLimitMs: 5}, testLogger())

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmSequential
	start := time.Now()
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if elapsed < 5*time.Millisecond {
		t.Errorf("expected sequential dispatch to take at least the rate-limit wait, took %v", elapsed)
	}
	for _, r := range result.Wallets {
		if !r.Success {
			t.Errorf("wallet %s should have succeeded: %s", r.WalletID, r.Error)
		}
	}
}

func TestDispatchSequentialRecordsUnconfirmedSend(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1)}
	sender := &fakeSender{unconfirm: map[string]bool{"w1": true}}
	ex := New(&fakeBuilder{}, sender, nil, &fakePosition{}, Config{}, testLogger())

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmSequential
	result, err := ex.Dispatch(context.Background(), wallets, intent)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(result.Wallets) != 1 || !result.Wallets[0].Success || result.Wallets[0].Error == "" {
		t.Fatalf("expected a successful-but-unconfirmed result, got %+v", result.Wallets)
	}
}

func TestDispatchSchedulesPositionRefresh(t *testing.T) {
	t.Parallel()
	wallets := []types.SwarmWallet{wallet("w1", 1)}
	ex := New(&fakeBuilder{}, &fakeSender{}, nil, &fakePosition{}, Config{PositionRefreshDelay: 5 * time.Millisecond}, testLogger())

	refreshed := make(chan string, 1)
	ex.OnRefresh(func(mint string) { refreshed <- mint })

	intent := buyIntent(0.1)
	intent.Mode = types.SwarmParallel
	if _, err := ex.Dispatch(context.Background(), wallets, intent); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	select {
	case mint := <-refreshed:
		if mint != "MINT1" {
			t.Errorf("refresh mint = %q, want MINT1", mint)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scheduled position refresh")
	}
}

func TestResolveAmountAppliesVarianceWithinBounds(t *testing.T) {
	t.Parallel()
	ex := New(nil, nil, nil, nil, Config{}, testLogger())
	w := wallet("w1", 1)
	intent := types.SwarmIntent{
		AmountPerWallet:   decimal.NewFromFloat(1.0),
		AmountVariancePct: 10,
	}
	for i := 0; i < 50; i++ {
		amt := ex.resolveAmount(w, intent)
		if amt.LessThan(decimal.NewFromFloat(0.85)) || amt.GreaterThan(decimal.NewFromFloat(1.15)) {
			t.Fatalf("resolveAmount() = %v, out of expected +-10%% jitter bounds", amt)
		}
	}
}

func TestResolveAmountNeverJittersPercentageAmounts(t *testing.T) {
	t.Parallel()
	ex := New(nil, nil, nil, nil, Config{}, testLogger())
	w := wallet("w1", 1)
	intent := types.SwarmIntent{
		AmountPerWallet:   decimal.NewFromFloat(50),
		IsPercentage:      true,
		AmountVariancePct: 20,
	}
	for i := 0; i < 20; i++ {
		amt := ex.resolveAmount(w, intent)
		if !amt.Equal(decimal.NewFromFloat(50)) {
			t.Fatalf("resolveAmount() = %v, want unchanged 50 for percentage amounts", amt)
		}
	}
}
