package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// pendingFixture has one live limit buy: order-1 at 49500, stop 48500, target 52000.
func pendingFixture(t *testing.T) (*lifecycleFixture, *mockMarket, *mockPolicy) {
	t.Helper()
	f := newLifecycleFixture(t)
	d := longDecision("BTCUSDT", 48500, 52000)
	d.OrderType = domain.Limit
	d.EntryPrice = 49500
	require.NoError(t, f.lc.Open(context.Background(), d, 1000, calmSnapshots()))
	f.exchange.openOrders["BTCUSDT"] = []ports.OrderInfo{{OrderID: "order-1", Symbol: "BTCUSDT", Status: domain.OrderNew, Price: 49500}}
	return f, &mockMarket{snaps: calmSnapshots()}, &mockPolicy{}
}

func TestServicePendingWaitsBeforeTimeout(t *testing.T) {
	f, market, policy := pendingFixture(t)
	f.clock.Advance(100 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Empty(t, policy.reviews)
	assert.Len(t, f.lc.PendingOrders(), 1)
	assert.Empty(t, f.exchange.cancelled)
}

func TestServicePendingContinueWaitKeepsTimer(t *testing.T) {
	f, market, policy := pendingFixture(t)
	created := f.lc.PendingOrders()[0].CreatedAt
	f.clock.Advance(301 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	require.Len(t, policy.reviews, 1)
	review := policy.reviews[0]
	assert.Equal(t, 301*time.Second, review.Elapsed)
	assert.Equal(t, "order-1", review.Order.OrderID)
	assert.Equal(t, 50000.0, review.Original.Price())

	pending := f.lc.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, created, pending[0].CreatedAt)

	// Still past the timeout on the next pass.
	f.clock.Advance(time.Second)
	f.lc.ServicePending(context.Background(), market, policy)
	assert.Len(t, policy.reviews, 2)
}

func TestServicePendingModify(t *testing.T) {
	f, market, policy := pendingFixture(t)
	policy.verdicts = []domain.LimitOrderVerdict{{Action: domain.VerdictModify, NewPrice: 49950, Reason: "chase"}}
	f.clock.Advance(301 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Equal(t, []string{"order-1"}, f.exchange.cancelled)
	require.Len(t, f.exchange.placed, 2)
	req := f.exchange.placed[1]
	assert.Equal(t, domain.Limit, req.Type)
	assert.Equal(t, 49950.0, req.Price)
	assert.Equal(t, 48500.0, req.StopLoss)
	assert.InDelta(t, 0.02, req.Qty, 1e-9)

	pending := f.lc.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "order-2", pending[0].OrderID)
	assert.Equal(t, 49950.0, pending[0].Price)
	assert.Equal(t, f.clock.Now(), pending[0].CreatedAt)
	assert.Equal(t, 1, pending[0].Requotes)
	assert.Equal(t, 1, f.lc.Stats().LimitModified)
}

func TestServicePendingModifyWithoutPrice(t *testing.T) {
	f, market, policy := pendingFixture(t)
	policy.verdicts = []domain.LimitOrderVerdict{{Action: domain.VerdictModify}}
	f.clock.Advance(301 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	pending := f.lc.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, 49000.0, pending[0].Price)
}

func TestServicePendingModifyKeepsOrderWhenStopWouldBeCrossed(t *testing.T) {
	f, market, policy := pendingFixture(t)
	market.snaps["BTCUSDT"] = calmSnapshot("BTCUSDT", 49000)
	policy.verdicts = []domain.LimitOrderVerdict{{Action: domain.VerdictModify}}
	f.clock.Advance(301 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Empty(t, f.exchange.cancelled)
	pending := f.lc.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "order-1", pending[0].OrderID)
	assert.Len(t, f.lc.TakeNotes(), 1)
}

func TestServicePendingCancel(t *testing.T) {
	f, market, policy := pendingFixture(t)
	policy.verdicts = []domain.LimitOrderVerdict{{Action: domain.VerdictCancel, Reason: "setup gone"}}
	f.clock.Advance(301 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Equal(t, []string{"order-1"}, f.exchange.cancelled)
	assert.Empty(t, f.lc.PendingOrders())
	assert.Nil(t, f.lc.Position())
	assert.Equal(t, 1, f.lc.Stats().LimitCancelled)
}

func TestServicePendingCancelAndMarket(t *testing.T) {
	f, market, policy := pendingFixture(t)
	policy.verdicts = []domain.LimitOrderVerdict{{Action: domain.VerdictCancelAndMarket, Reason: "breakout"}}
	f.exchange.history["order-2"] = &ports.OrderInfo{OrderID: "order-2", Status: domain.OrderFilled, AvgPrice: 50050}
	f.clock.Advance(301 * time.Second)

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Equal(t, []string{"order-1"}, f.exchange.cancelled)
	assert.Empty(t, f.lc.PendingOrders())
	require.Len(t, f.exchange.placed, 2)
	assert.Equal(t, domain.Market, f.exchange.placed[1].Type)

	pos := f.lc.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 50050.0, pos.EntryPrice)
	assert.Equal(t, 48500.0, pos.StopLoss)
	assert.Equal(t, 52000.0, pos.TakeProfit)
	assert.Equal(t, 1, f.lc.Stats().LimitMarketed)
	require.Len(t, f.journal.opens, 1)
	assert.Equal(t, domain.Market, f.journal.opens[0].OrderType)
}

func TestServicePendingFilledWhileAway(t *testing.T) {
	f, market, policy := pendingFixture(t)
	f.exchange.openOrders["BTCUSDT"] = nil
	f.exchange.history["order-1"] = &ports.OrderInfo{OrderID: "order-1", Status: domain.OrderFilled, AvgPrice: 49480, CumExecQty: 0.02}

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Empty(t, f.lc.PendingOrders())
	pos := f.lc.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 49480.0, pos.EntryPrice)
	assert.InDelta(t, 0.02, pos.Quantity, 1e-9)
	assert.Equal(t, 48500.0, pos.StopLoss)
	assert.Equal(t, int64(1), pos.TradeID)
	assert.Equal(t, domain.Limit, f.journal.opens[0].OrderType)
	assert.Equal(t, 1, f.lc.Stats().LimitFilled)
}

func TestServicePendingCancelledWhileAway(t *testing.T) {
	f, market, policy := pendingFixture(t)
	f.exchange.openOrders["BTCUSDT"] = nil
	f.exchange.history["order-1"] = &ports.OrderInfo{OrderID: "order-1", Status: domain.OrderCancelled}

	f.lc.ServicePending(context.Background(), market, policy)

	assert.Empty(t, f.lc.PendingOrders())
	assert.Nil(t, f.lc.Position())
	assert.Empty(t, f.journal.opens)
}

func TestOpenSupersedesOtherPendingOrders(t *testing.T) {
	f, _, _ := pendingFixture(t)
	d := longDecision("ETHUSDT", 2900, 3200)

	require.NoError(t, f.lc.Open(context.Background(), d, 1000, calmSnapshots()))

	assert.Equal(t, []string{"order-1"}, f.exchange.cancelled)
	assert.Empty(t, f.lc.PendingOrders())
	assert.Equal(t, "ETHUSDT", f.lc.Position().Symbol)
}

func TestCompareSnapshots(t *testing.T) {
	then := calmSnapshot("BTCUSDT", 50000)
	then.Sentiment.FundingRate = 0.0001
	then.Sentiment.OpenInterest = 1000

	now := calmSnapshot("BTCUSDT", 50500)
	now.Sentiment.FundingRate = 0.0003
	now.Sentiment.OpenInterest = 1200
	f1h := now.Frames[domain.TF1h]
	f1h.RSI = 45
	now.Frames[domain.TF1h] = f1h

	cmp := CompareSnapshots(domain.PendingLimitOrder{Price: 49500}, then, now)

	assert.InDelta(t, 1.0, cmp.PriceChangePct, 1e-9)
	assert.InDelta(t, -1.9802, cmp.LimitDeviationPct, 1e-4)
	assert.False(t, cmp.MovingTowardLimit)
	assert.False(t, cmp.TrendConsistent)
	assert.Equal(t, "up", cmp.TrendThen["1h"])
	assert.Equal(t, "down", cmp.TrendNow["1h"])
	assert.Equal(t, "up", cmp.TrendNow["4h"])
	assert.InDelta(t, 0.0002, cmp.FundingRateDelta, 1e-12)
	assert.InDelta(t, 200, cmp.OpenInterestDelta, 1e-9)
}

func TestCompareSnapshotsTowardLimit(t *testing.T) {
	cmp := CompareSnapshots(domain.PendingLimitOrder{Price: 49500},
		calmSnapshot("BTCUSDT", 50500), calmSnapshot("BTCUSDT", 49800))
	assert.True(t, cmp.MovingTowardLimit)
	assert.True(t, cmp.TrendConsistent)
}
