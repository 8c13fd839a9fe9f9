package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/crash-services/internal/gamesvc/config"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleBets() []models.Bet {
	return []models.Bet{
		{ID: 1, RoundID: 7, Address: "0xAbC", Amount: dec("100"), CashedOut: true,
			CashoutMultiplier: decimal.NewNullDecimal(dec("2.5")), Payout: decimal.NewNullDecimal(dec("250")), Timestamp: at},
		{ID: 2, RoundID: 7, Address: "0xdef", Amount: dec("10"), Payout: decimal.NewNullDecimal(decimal.Zero), Timestamp: at},
		{ID: 3, RoundID: 7, Address: "0x123", Amount: dec("0.5"), Payout: decimal.NewNullDecimal(decimal.Zero), Timestamp: at},
	}
}

func sampleRound() models.Round {
	return models.Round{
		RoundID:         7,
		Phase:           models.PhaseCrashed,
		CrashMultiplier: decimal.NewNullDecimal(dec("3.10")),
		ServerSeedHash:  crypto.Keccak256Hash([]byte("seed")).Hex(),
		TotalBets:       dec("110.5"),
		TotalPayouts:    dec("250"),
	}
}

func TestLeafBytesCanonical(t *testing.T) {
	b := sampleBets()[0]
	want := `{"address":"0xabc","amount":"100","cashedOut":true,"cashoutMultiplier":2.5,"payout":250,"timestamp":1714564800000}`
	assert.Equal(t, want, string(LeafBytes(b)))

	loser := sampleBets()[1]
	loser.Payout = decimal.NullDecimal{}
	assert.Contains(t, string(LeafBytes(loser)), `"cashoutMultiplier":0,"payout":0`)
}

func TestBuildLeaf(t *testing.T) {
	b := sampleBets()[0]
	upper := b
	upper.Address = "0xABC"
	assert.Equal(t, BuildLeaf(b), BuildLeaf(upper), "address case must not matter")

	changed := b
	changed.Payout = decimal.NewNullDecimal(dec("251"))
	assert.NotEqual(t, BuildLeaf(b), BuildLeaf(changed))
}

func TestComputeMerkleRoot(t *testing.T) {
	assert.Equal(t, common.Hash{}, ComputeMerkleRoot(nil))

	a := crypto.Keccak256Hash([]byte("a"))
	b := crypto.Keccak256Hash([]byte("b"))
	c := crypto.Keccak256Hash([]byte("c"))

	assert.Equal(t, a, ComputeMerkleRoot([]common.Hash{a}))

	ab := crypto.Keccak256Hash(a.Bytes(), b.Bytes())
	assert.Equal(t, ab, ComputeMerkleRoot([]common.Hash{a, b}))
	assert.NotEqual(t, ab, ComputeMerkleRoot([]common.Hash{b, a}), "pair hashing is ordered")

	cc := crypto.Keccak256Hash(c.Bytes(), c.Bytes())
	want := crypto.Keccak256Hash(ab.Bytes(), cc.Bytes())
	leaves := []common.Hash{a, b, c}
	assert.Equal(t, want, ComputeMerkleRoot(leaves))
	assert.Equal(t, want, ComputeMerkleRoot(leaves), "repeatable")
	assert.Equal(t, []common.Hash{a, b, c}, leaves, "input untouched")

	d := crypto.Keccak256Hash([]byte("d"))
	assert.NotEqual(t, want, ComputeMerkleRoot([]common.Hash{a, b, d}))
}

func TestBuildSnapshot(t *testing.T) {
	round := sampleRound()
	bets := sampleBets()

	s := BuildSnapshot(round, bets)
	assert.Equal(t, int64(310), s.Crash.Int64())
	assert.Equal(t, int64(110_500_000), s.TotalBets.Int64())
	assert.Equal(t, int64(250_000_000), s.TotalPayouts.Int64())
	assert.Equal(t, uint32(3), s.NumPlayers)
	assert.Equal(t, PlayersRoot(bets), s.PlayersRoot)

	packed := s.Packed()
	require.Len(t, packed, 32*5+4)
	assert.Equal(t, byte(7), packed[31])
	assert.Equal(t, common.HexToHash(round.ServerSeedHash).Bytes(), packed[32:64])
	assert.Equal(t, []byte{0, 0, 0, 3}, packed[160:])
	assert.Equal(t, crypto.Keccak256Hash(packed), s.Hash)

	noSeed := round
	noSeed.ServerSeedHash = ""
	assert.Equal(t, common.Hash{}, BuildSnapshot(noSeed, bets).SeedHash)
	assert.NotEqual(t, s.Hash, BuildSnapshot(noSeed, bets).Hash)

	// the payload survives the outbox round trip
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var back Snapshot
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s.Hash, crypto.Keccak256Hash(back.Packed()))
}

type fakeLedger struct {
	mu        sync.Mutex
	failFirst int
	snapshots []Snapshot
	bets      []string
	cashouts  []string
}

func (f *fakeLedger) SubmitSnapshot(ctx context.Context, s Snapshot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return "", errors.New("rpc unavailable")
	}
	f.snapshots = append(f.snapshots, s)
	return "0xsnap", nil
}

func (f *fakeLedger) PlaceBetFor(ctx context.Context, player string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets = append(f.bets, player+":"+amount.String())
	return "0xbet", nil
}

func (f *fakeLedger) CashOutFor(ctx context.Context, player string, multiplier decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cashouts = append(f.cashouts, player+":"+multiplier.String())
	return "0xcash", nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	items  []*models.OutboxItem
	sent   map[int64]string
	failed map[int64]string
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{sent: map[int64]string{}, failed: map[int64]string{}}
}

func (f *fakeOutbox) Enqueue(ctx context.Context, item *models.OutboxItem) (*models.OutboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.Kind == models.OutboxRoundSnapshot && item.Kind == it.Kind && it.RoundID == item.RoundID {
			c := *it
			return &c, nil
		}
	}
	c := *item
	c.ID = int64(len(f.items) + 1)
	c.Status = models.OutboxPending
	c.UpdatedAt = time.Now()
	f.items = append(f.items, &c)
	out := c
	return &out, nil
}

func (f *fakeOutbox) Claim(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[id-1]
	if it.Status != models.OutboxPending && it.Status != models.OutboxFailed {
		return false, nil
	}
	it.Status = models.OutboxSending
	it.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeOutbox) ClaimDue(ctx context.Context, limit, maxAttempts int, minAge, claimTTL time.Duration) ([]*models.OutboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*models.OutboxItem
	for _, it := range f.items {
		if len(due) == limit || it.Attempts >= maxAttempts {
			continue
		}
		idle := time.Since(it.UpdatedAt)
		switch {
		case (it.Status == models.OutboxPending || it.Status == models.OutboxFailed) && idle >= minAge:
		case it.Status == models.OutboxSending && idle >= claimTTL:
		default:
			continue
		}
		it.Status = models.OutboxSending
		it.UpdatedAt = time.Now()
		c := *it
		due = append(due, &c)
	}
	return due, nil
}

func (f *fakeOutbox) MarkSent(ctx context.Context, id int64, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = txHash
	it := f.items[id-1]
	it.Status = models.OutboxSent
	it.Attempts++
	it.UpdatedAt = time.Now()
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, id int64, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = cause
	it := f.items[id-1]
	if it.Status == models.OutboxSent {
		return nil
	}
	it.Status = models.OutboxFailed
	it.Attempts++
	it.UpdatedAt = time.Now()
	return nil
}

func (f *fakeOutbox) status(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id-1].Status
}

type fakeBets struct{ hashes map[int64]string }

func (f *fakeBets) SetTxHash(ctx context.Context, betID int64, txHash string) error {
	f.hashes[betID] = txHash
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RetryMin = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	cfg.SettleAttempts = 3
	return cfg
}

func TestSubmitSnapshot(t *testing.T) {
	ledger := &fakeLedger{failFirst: 2}
	s := NewSnapshotter(ledger, newFakeOutbox(), testConfig())
	ctx := context.Background()

	tx, err := s.SubmitSnapshot(ctx, sampleRound(), nil)
	require.NoError(t, err)
	assert.Empty(t, tx)
	assert.Empty(t, ledger.snapshots, "empty rounds are not submitted")

	tx, err = s.SubmitSnapshot(ctx, sampleRound(), sampleBets())
	require.NoError(t, err)
	assert.Equal(t, "0xsnap", tx)
	require.Len(t, ledger.snapshots, 1)
	assert.Equal(t, BuildSnapshot(sampleRound(), sampleBets()).Hash, ledger.snapshots[0].Hash)

	ledger.failFirst = 5
	_, err = s.SubmitSnapshot(ctx, sampleRound(), sampleBets())
	require.Error(t, err)
	assert.Equal(t, 2, ledger.failFirst, "gives up after the attempt budget")
}

func TestSettleRecordsThenRelays(t *testing.T) {
	ledger := &fakeLedger{}
	outbox := newFakeOutbox()
	s := NewSnapshotter(ledger, outbox, testConfig())

	s.Settle(sampleRound(), sampleBets())
	s.Wait()
	require.Len(t, outbox.items, 1)
	assert.Equal(t, "0xsnap", outbox.sent[1])

	// settling the same round again is a no-op once sent
	s.Settle(sampleRound(), sampleBets())
	s.Wait()
	assert.Len(t, ledger.snapshots, 1)
	assert.Equal(t, models.OutboxSent, outbox.status(1))
}

// stallLedger holds the first snapshot submit until released, then fails it.
type stallLedger struct {
	fakeLedger
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   int
}

func newStallLedger() *stallLedger {
	return &stallLedger{entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *stallLedger) SubmitSnapshot(ctx context.Context, s Snapshot) (string, error) {
	l.mu.Lock()
	l.calls++
	first := l.calls == 1
	l.mu.Unlock()
	if first {
		l.once.Do(func() { close(l.entered) })
		<-l.release
		return "", errors.New("transaction reverted")
	}
	return l.fakeLedger.SubmitSnapshot(ctx, s)
}

func TestRelayLeavesClaimedSnapshotAlone(t *testing.T) {
	ledger := newStallLedger()
	outbox := newFakeOutbox()
	cfg := testConfig()
	cfg.SettleAttempts = 1
	s := NewSnapshotter(ledger, outbox, cfg)

	s.Settle(sampleRound(), sampleBets())
	<-ledger.entered

	relay := NewRelay(ledger, outbox, nil)
	relay.MinAge = 0
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "in-flight snapshot is not submitted twice")
	assert.Equal(t, models.OutboxSending, outbox.status(1))

	close(ledger.release)
	s.Wait()
	assert.Equal(t, models.OutboxFailed, outbox.status(1))

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.OutboxSent, outbox.status(1))
	assert.Len(t, ledger.snapshots, 1)
}

func TestLateFailureKeepsSentSnapshot(t *testing.T) {
	ledger := newStallLedger()
	outbox := newFakeOutbox()
	cfg := testConfig()
	cfg.SettleAttempts = 1
	s := NewSnapshotter(ledger, outbox, cfg)

	s.Settle(sampleRound(), sampleBets())
	<-ledger.entered

	// an expired claim is taken over by the worker, which gets through first
	relay := NewRelay(ledger, outbox, nil)
	relay.MinAge = 0
	relay.ClaimTTL = 0
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.OutboxSent, outbox.status(1))

	close(ledger.release)
	s.Wait()
	assert.Contains(t, outbox.failed[1], "reverted")
	assert.Equal(t, models.OutboxSent, outbox.status(1), "a late failure must not reopen a sent item")

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// hangLedger never returns until its context ends.
type hangLedger struct{ fakeLedger }

func (l *hangLedger) SubmitSnapshot(ctx context.Context, s Snapshot) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRelayBoundsEachItem(t *testing.T) {
	outbox := newFakeOutbox()
	payload, err := json.Marshal(BuildSnapshot(sampleRound(), sampleBets()))
	require.NoError(t, err)
	_, err = outbox.Enqueue(context.Background(), &models.OutboxItem{Kind: models.OutboxRoundSnapshot, RoundID: 7, Payload: payload})
	require.NoError(t, err)

	relay := NewRelay(&hangLedger{}, outbox, nil)
	relay.MinAge = 0
	relay.Timeout = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := relay.RunOnce(context.Background())
		assert.NoError(t, err)
		assert.Zero(t, n)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay pass did not give up on a stuck ledger call")
	}
	assert.Equal(t, models.OutboxFailed, outbox.status(1))
	assert.Contains(t, outbox.failed[1], context.DeadlineExceeded.Error())
}

func TestSettleFailureLeavesReconciliationItem(t *testing.T) {
	ledger := &fakeLedger{failFirst: 10}
	outbox := newFakeOutbox()
	s := NewSnapshotter(ledger, outbox, testConfig())

	s.Settle(sampleRound(), sampleBets())
	s.Wait()
	assert.Contains(t, outbox.failed[1], "rpc unavailable")
	assert.Empty(t, outbox.sent)

	// the outbox worker picks it up once the ledger is back
	ledger.failFirst = 0
	relay := NewRelay(ledger, outbox, nil)
	relay.MinAge = 0
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "0xsnap", outbox.sent[1])
}

func TestBetRelays(t *testing.T) {
	ledger := &fakeLedger{}
	outbox := newFakeOutbox()
	bets := sampleBets()

	off := NewSnapshotter(ledger, outbox, testConfig())
	off.RelayBet(bets[0])
	assert.Empty(t, outbox.items, "per-bet relay is off by default")

	cfg := testConfig()
	cfg.LedgerRelayBets = true
	on := NewSnapshotter(ledger, outbox, cfg)
	on.RelayBet(bets[1])
	on.RelayCashout(bets[0])
	require.Len(t, outbox.items, 2)

	recorder := &fakeBets{hashes: map[int64]string{}}
	relay := NewRelay(ledger, outbox, recorder)
	relay.MinAge = 0
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"0xdef:10"}, ledger.bets)
	assert.Equal(t, []string{"0xAbC:2.5"}, ledger.cashouts)
	assert.Equal(t, map[int64]string{2: "0xbet"}, recorder.hashes)
}

func TestDispatchUnknownKind(t *testing.T) {
	_, err := NewRelay(&fakeLedger{}, newFakeOutbox(), nil).Dispatch(context.Background(), &models.OutboxItem{Kind: "mystery"})
	assert.Error(t, err)
}

func TestNoopLedger(t *testing.T) {
	s := BuildSnapshot(sampleRound(), sampleBets())
	tx, err := NoopLedger{}.SubmitSnapshot(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "local:"+s.Hash.Hex(), tx)
}
