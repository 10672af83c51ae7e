package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/newplayman/market-maker-phoenix/internal/feemodel"
	"github.com/newplayman/market-maker-phoenix/internal/grid"
	"github.com/newplayman/market-maker-phoenix/internal/inventory"
	"github.com/newplayman/market-maker-phoenix/internal/ledger"
	"github.com/newplayman/market-maker-phoenix/internal/markout"
	"github.com/newplayman/market-maker-phoenix/internal/metrics"
	"github.com/newplayman/market-maker-phoenix/internal/order"
	"github.com/newplayman/market-maker-phoenix/internal/ratelimit"
	"github.com/newplayman/market-maker-phoenix/internal/regime"
	"github.com/newplayman/market-maker-phoenix/internal/risk"
	"github.com/newplayman/market-maker-phoenix/internal/skew"
	"github.com/newplayman/market-maker-phoenix/internal/spacing"
	"github.com/newplayman/market-maker-phoenix/internal/tax"
	"github.com/newplayman/market-maker-phoenix/internal/volumequota"
)

// Config bundles StrategyLoop's per-pair tunables. Component-specific
// tunables (risk thresholds, tax config, regime classifier config, etc.)
// are configured on the components themselves before New is called.
type Config struct {
	OrderSizeUSD    decimal.Decimal
	Tick            decimal.Decimal
	LotStep         decimal.Decimal
	VenueMinBTC     decimal.Decimal
	MakerBothSides  bool
	PersistDebounce time.Duration

	// GridCenter selects the reference price GridEngine ladders are built
	// around: "vwap" (default, falls back to mid when no VWAP is available
	// yet) or "mid" to always center on the book mid price.
	GridCenter string

	// SellSlotOffset is the first slot index reserved for sell levels;
	// buy levels occupy [0, SellSlotOffset). Must be at least the largest
	// GridLevelsBuy across all regime profiles, and the order.Manager this
	// loop drives must be sized with at least SellSlotOffset+largest
	// GridLevelsSell slots.
	SellSlotOffset int
}

// DefaultConfig matches spec.md's literal grid defaults. The widest grid
// (range-bound, 5 buy/5 sell levels) fits an offset of 10 comfortably.
func DefaultConfig() Config {
	return Config{
		OrderSizeUSD:    decimal.NewFromInt(50),
		Tick:            decimal.NewFromFloat(0.1),
		LotStep:         decimal.NewFromFloat(0.0001),
		VenueMinBTC:     decimal.NewFromFloat(0.0001),
		MakerBothSides:  true,
		PersistDebounce: 250 * time.Millisecond,
		GridCenter:      "vwap",
		SellSlotOffset:  10,
	}
}

// StrategyLoop is the non-reentrant tick orchestrator wiring every other
// package together, per spec.md §4.12. One instance runs one pair.
type StrategyLoop struct {
	cfg Config

	regimeRouter *regime.Router
	profiles     map[regime.Tag]RegimeProfile
	spacingModel *spacing.Spacing
	feeModel     *feemodel.Model
	gridEngine   *grid.Engine
	riskMgr      *risk.Manager
	ledger       *ledger.Ledger
	taxAgent     *tax.Agent
	inventoryArb *inventory.Arbiter
	orderMgr     *order.Manager
	rateLimiter  *ratelimit.Limiter
	eurUsdRates  EurUsdRates
	exchange     ExchangeSession
	store        LedgerStore
	notifier     Notifier

	markoutTracker *markout.Tracker
	volumeQuota    *volumequota.Quota

	inFlight sync.Mutex // guards Tick against re-entrancy, per spec.md §4.12

	persistMu      sync.Mutex
	persistDirty   bool
	persistRunning bool
	persistRedo    bool
	persistWG      conc.WaitGroup

	TicksProcessed int
	TicksSkipped   int // re-entrancy skips
}

// New constructs a StrategyLoop. Every collaborator must be constructed and
// configured by the caller first (LifecycleCoordinator does this at startup).
func New(
	cfg Config,
	regimeRouter *regime.Router,
	spacingModel *spacing.Spacing,
	feeModel *feemodel.Model,
	riskMgr *risk.Manager,
	L *ledger.Ledger,
	taxAgent *tax.Agent,
	inventoryArb *inventory.Arbiter,
	orderMgr *order.Manager,
	rateLimiter *ratelimit.Limiter,
	eurUsdRates EurUsdRates,
	exchange ExchangeSession,
	store LedgerStore,
	notifier Notifier,
) *StrategyLoop {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	s := &StrategyLoop{
		cfg:          cfg,
		regimeRouter: regimeRouter,
		profiles:     DefaultProfiles(),
		spacingModel: spacingModel,
		feeModel:     feeModel,
		gridEngine:   grid.New(),
		riskMgr:      riskMgr,
		ledger:       L,
		taxAgent:     taxAgent,
		inventoryArb: inventoryArb,
		orderMgr:     orderMgr,
		rateLimiter:  rateLimiter,
		eurUsdRates:  eurUsdRates,
		exchange:     exchange,
		store:        store,
		notifier:     notifier,

		markoutTracker: markout.New(),
		volumeQuota:    volumequota.New(feeModel),
	}
	orderMgr.OnFill(s.onFill)
	return s
}

// onFill feeds every execution's fill into the mark-out tracker (adverse-
// selection calibration) and the volume quota's daily-pacing diagnostic.
// Registered as an order.FillHandler rather than called inline from
// runPipeline/HandleExecEvent, since fills arrive on whichever side
// (buy/sell) OrderManager resolves, regardless of Tick's re-entrancy guard.
func (s *StrategyLoop) onFill(slot *order.Slot, qty, price, fee decimal.Decimal) {
	now := time.Now()
	s.markoutTracker.RecordFill(price, string(slot.Side), now)
	s.volumeQuota.RecordFillVolume(qty.Mul(price), now)
}

// Tick runs the full pipeline exactly once for one market-data observation.
// It is non-reentrant: a Tick call arriving while another is in flight is
// dropped (spec.md §4.12 — "never re-enters while in-flight"). Returns
// whether the tick actually ran.
func (s *StrategyLoop) Tick(ctx context.Context, now time.Time, book BookSnapshot, trade *TradePrint) bool {
	if !s.inFlight.TryLock() {
		s.TicksSkipped++
		return false
	}
	defer s.inFlight.Unlock()

	s.TicksProcessed++
	s.runPipeline(ctx, now, book, trade)
	return true
}

func (s *StrategyLoop) runPipeline(ctx context.Context, now time.Time, book BookSnapshot, trade *TradePrint) {
	// 1. Market data: regime classifier ingests price/trade prints.
	s.regimeRouter.UpdatePrice(book.Mid)
	if trade != nil {
		s.regimeRouter.UpdateTrade(trade.Price, trade.Qty)
	}

	// 1a. Mark-out tracker: measure adverse selection on fills whose
	// horizon has elapsed, and recalibrate FeeModel's AdverseSelectionBps
	// once there's a real observation to draw on.
	s.markoutTracker.CheckMarkOuts(book.Mid, now)
	if stats := s.markoutTracker.Stats(); stats.Observations[10*time.Second] > 0 {
		s.feeModel.AdverseSelectionBps = stats.SuggestedAdverseSelectionBps
	}

	// 2. RiskManager: circuit breaker, drawdown, pause state.
	frozen := s.riskMgr.CheckPriceVelocity(book.Mid)
	s.regimeRouter.SetCircuitFrozen(frozen)
	decision := s.regimeRouter.Classify()

	s.inventoryArb.UpdatePrice(book.Mid)
	s.inventoryArb.SetRegime(decision.Regime)
	snap := s.inventoryArb.Snapshot(now)

	s.riskMgr.UpdatePortfolio(snap.BTCValueUSD, snap.USDBalance)
	s.riskMgr.SetTaxLocked(s.taxAgent.SellableRatio().LessThan(decimal.NewFromFloat(0.2)))

	if !s.riskMgr.IsTradingAllowed() {
		s.cancelEverything(ctx, now, "risk_pause")
		return
	}

	profile := s.profiles[decision.Regime]

	// 3. BollingerSpacing: base spacing in bps.
	baseSpacing, ready := s.spacingModel.Update(book.Mid, book.High, book.Low, s.feeModel)
	if !ready {
		return
	}

	// 4. DeltaSkew: per-side offsets from allocation deviation.
	skewResult := skew.Compute(skew.DefaultConfig(), snap.BTCAllocationPct, snap.Limits.TargetPct)

	// Volume quota: when 30-day volume is at risk of dropping a fee tier,
	// tighten the spacing floor (maker-only, never below the round-trip-
	// cost-plus-minimum-edge EV floor) to help regenerate volume before the
	// tier actually drops.
	minSpacing := s.feeModel.MinProfitableSpacingBps(s.cfg.MakerBothSides)
	quotaStatus := s.volumeQuota.Assess(s.cfg.MakerBothSides)
	if quotaStatus.TierAtRisk {
		overridden := minSpacing.Mul(quotaStatus.SpacingOverrideMult)
		if floor := s.volumeQuota.MinAllowedSpacingBps(s.cfg.MakerBothSides); overridden.LessThan(floor) {
			overridden = floor
		}
		minSpacing = overridden
	}
	buySpacing, sellSpacing := skew.ApplyToSpacing(baseSpacing, skewResult, minSpacing)

	metrics.UpdateInventoryMetrics(snap.BTCAllocationPct.InexactFloat64(), snap.PortfolioValueUSD.InexactFloat64(), skewResult.SkewBps.InexactFloat64())

	// 5. GridEngine: desired levels.
	center := book.Mid
	if s.cfg.GridCenter != "mid" {
		if vwap, haveVWAP := s.regimeRouter.VWAP(); haveVWAP && !vwap.IsZero() {
			center = vwap
		}
	}
	levels, ok := s.gridEngine.Compute(grid.Params{
		CenterPrice:    center,
		LevelsBuy:      profile.GridLevelsBuy,
		LevelsSell:     profile.GridLevelsSell,
		BuySpacingBps:  buySpacing,
		SellSpacingBps: sellSpacing,
		OrderSizeUSD:   s.cfg.OrderSizeUSD,
		OrderSizeScale: profile.OrderSizeScale,
		Tick:           s.cfg.Tick,
		LotStep:        s.cfg.LotStep,
		VenueMinBTC:    s.cfg.VenueMinBTC,
	})
	if !ok {
		log.Warn().Msg("grid crossed, skipping tick")
		return
	}

	// 6. TaxAgent: cap sell-side level count by sellable_ratio.
	fraction := s.taxAgent.RecommendedSellLevelFraction()
	keepSells := int(decimal.NewFromInt(int64(profile.GridLevelsSell)).Mul(fraction).IntPart())
	levels = grid.DeactivateSellLevels(levels, keepSells)

	// Wash-sale cooldown (spec §4.9a): block buy-side emission entirely
	// while the harvest cooldown is active.
	washSaleActive := s.taxAgent.IsBuyBlockedByWashSale(now)
	if washSaleActive {
		levels = dropBuys(levels)
	}

	year := now.Year()
	metrics.UpdateLedgerMetrics(
		len(s.ledger.OpenLots()),
		s.ledger.YTDRealizedGainEUR(year).InexactFloat64(),
		s.taxAgent.AnnualExemptionRemaining(year).InexactFloat64(),
		washSaleActive,
	)

	// 7. InventoryArbiter: cap desired buy/sell deltas by allocation bands
	// and rebalance pacing, trimming outermost levels first.
	maxBuy := s.inventoryArb.CheckBuy(sumQty(levels, grid.Buy), now)
	maxSell := s.inventoryArb.CheckSell(sumQty(levels, grid.Sell), now)
	levels = trimToCapacity(levels, maxBuy, maxSell)

	desiredBySlot := assignSlots(levels, s.cfg.SellSlotOffset)

	// 8. OrderManager: diff desired vs live slots, emit intents.
	// 9. RateLimiter: admit by priority, cancel > risk-amend > normal-amend >
	// new (spec.md §4.2), so that under contention cancels never lose
	// headroom to whichever map-order intent happened to dispatch first.
	slotIDs := make([]int, 0, len(desiredBySlot))
	for slotID := range desiredBySlot {
		slotIDs = append(slotIDs, slotID)
	}
	sort.Ints(slotIDs)

	type intent struct {
		slotID int
		act    order.Action
	}
	intents := make([]intent, 0, len(slotIDs))
	priorities := make([]ratelimit.Priority, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		act := s.orderMgr.DecideAction(slotID, desiredBySlot[slotID], now)
		if act.Kind == order.ActionNoop {
			continue
		}
		intents = append(intents, intent{slotID, act})
		priorities = append(priorities, priorityFor(act.Kind))
	}

	admitted := ratelimit.AdmitByPriority(s.rateLimiter, priorities)
	for i, it := range intents {
		if !admitted[i] {
			continue
		}
		s.send(ctx, it.slotID, it.act, now)
	}
}

// priorityFor maps an OrderManager verdict to its rate-limiter contention
// priority. This bot's risk-driven state changes (pause, circuit freeze)
// are handled upstream by cancelEverything rather than by amending live
// orders, so every ActionAmend this loop ever dispatches is a normal
// reprice; PriorityAmendRisk has no producer here but still participates
// in AdmitByPriority's ordering for any future caller that emits one.
func priorityFor(kind order.ActionKind) ratelimit.Priority {
	switch kind {
	case order.ActionCancel:
		return ratelimit.PriorityCancel
	case order.ActionAmend:
		return ratelimit.PriorityAmendNormal
	default:
		return ratelimit.PriorityNew
	}
}

// send dispatches an already rate-limiter-admitted intent to the exchange
// and advances the slot's local state machine.
func (s *StrategyLoop) send(ctx context.Context, slotID int, act order.Action, now time.Time) {
	switch act.Kind {
	case order.ActionAdd:
		clOrdID := s.orderMgr.PrepareAdd(slotID, act, now)
		if err := s.exchange.AddOrder(ctx, clOrdID, act.Side, act.Price, act.Qty); err != nil {
			log.Error().Err(err).Int("slot", slotID).Msg("add_order failed")
		}
	case order.ActionAmend:
		s.orderMgr.PrepareAmend(slotID, now)
		newPrice, newQty := decimal.Zero, decimal.Zero
		if act.NewPrice != nil {
			newPrice = *act.NewPrice
		}
		if act.NewQty != nil {
			newQty = *act.NewQty
		}
		if err := s.exchange.AmendOrder(ctx, act.OrderID, newPrice, newQty); err != nil {
			log.Error().Err(err).Int("slot", slotID).Msg("amend_order failed")
		}
	case order.ActionCancel:
		s.orderMgr.PrepareCancel(slotID, now, "reprice")
		if err := s.exchange.CancelOrder(ctx, act.OrderID); err != nil {
			log.Error().Err(err).Int("slot", slotID).Msg("cancel_order failed")
		}
	}
}

// HandleExecEvent applies one normalized execution event to the order
// manager and, on a trade (buy or sell), to the ledger, per spec.md
// §4.11's event table. On a ledger-mutating fill it schedules a debounced
// persistence save (spec.md §4.12a) and returns true.
func (s *StrategyLoop) HandleExecEvent(ctx context.Context, ev ExecEvent, now time.Time) bool {
	if ev.HasCounter {
		s.rateLimiter.ReconcileFromServer(ev.ServerCounter)
	}
	switch ev.Kind {
	case EventNewAck:
		s.orderMgr.OnNewAck(ev.ClOrdID, ev.OrderID)
		return false
	case EventAmendAck:
		s.orderMgr.OnAmendAck(ev.OrderID, ev.Success)
		return false
	case EventCancelAck:
		s.orderMgr.OnCancelAck(ev.OrderID)
		return false
	case EventReject:
		s.orderMgr.OnReject(ev.OrderID, ev.ClOrdID)
		s.notifier.Notify("order_rejected", map[string]any{"order_id": ev.OrderID, "reason": ev.Reason})
		return false
	case EventTrade:
		rate, err := s.eurUsdRates.RateOn(now)
		if err != nil {
			log.Error().Err(err).Msg("no eur/usd rate available for trade, deferring ledger record")
			return false
		}
		if err := s.orderMgr.OnTrade(ev.OrderID, ev.FillQty, ev.FillPrice, ev.FeeUSD, rate, now); err != nil {
			s.notifier.Notify("ledger_mismatch", map[string]any{"order_id": ev.OrderID, "error": err.Error()})
			return false
		}
		s.schedulePersist(ctx)
		return true
	default:
		return false
	}
}

// EvaluateSellIntent is called before emitting a sell-side add/amend
// intent whose fill would be taxable; it is the seam where StrategyLoop
// consults TaxAgent.EvaluateSell per spec.md §4.9 for a specific candidate
// quantity/price, ahead of the coarse sellable_ratio-based level cap
// already applied in step 6 of the pipeline. Exposed for callers building
// order-size-aware sell intents beyond the base grid.
func (s *StrategyLoop) EvaluateSellIntent(qty, priceUSD, feeUSD decimal.Decimal, now time.Time, year int) tax.Evaluation {
	rate, err := s.eurUsdRates.RateOn(now)
	if err != nil {
		return tax.Evaluation{Decision: tax.Veto, Reason: "no eur/usd rate available"}
	}
	ddPct := decimal.Zero
	if snap := s.riskMgr.PauseState(); snap == risk.EmergencySell {
		ddPct = decimal.NewFromFloat(1) // already past emergency override threshold
	}
	return s.taxAgent.EvaluateSell(qty, ddPct, priceUSD, feeUSD, rate, now, year)
}

func (s *StrategyLoop) cancelEverything(ctx context.Context, now time.Time, trigger string) {
	for _, slot := range s.orderMgr.Slots() {
		if slot.State == order.Live {
			s.orderMgr.PrepareCancel(slot.SlotID, now, trigger)
			if err := s.exchange.CancelOrder(ctx, slot.OrderID); err != nil {
				log.Error().Err(err).Int("slot", slot.SlotID).Msg("cancel_order failed during pause")
			}
		}
	}
}

// schedulePersist marks the ledger dirty and ensures exactly one save
// worker is running, coalescing concurrent mutations into a single save
// per spec.md §4.12a (grounded on strategy_loop.py's
// _submit_ledger_save/_save_ledger_sync debounce pattern).
func (s *StrategyLoop) schedulePersist(ctx context.Context) {
	s.persistMu.Lock()
	s.persistDirty = true
	if s.persistRunning {
		s.persistRedo = true
		s.persistMu.Unlock()
		return
	}
	s.persistRunning = true
	s.persistMu.Unlock()

	s.persistWG.Go(func() {
		time.Sleep(s.cfg.PersistDebounce)
		for {
			s.persistMu.Lock()
			s.persistDirty = false
			s.persistRedo = false // this save covers every mutation so far
			s.persistMu.Unlock()

			if err := s.store.Save(s.ledger); err != nil {
				log.Error().Err(err).Msg("ledger save failed")
			}

			s.persistMu.Lock()
			if s.persistRedo {
				s.persistRedo = false
				s.persistMu.Unlock()
				continue
			}
			s.persistRunning = false
			s.persistMu.Unlock()
			return
		}
	})
}

// WaitForPersist blocks until any in-flight or queued persistence save
// completes; used by tests and by graceful shutdown.
func (s *StrategyLoop) WaitForPersist() {
	s.persistWG.Wait()
}

func sumQty(levels []grid.Level, side grid.Side) decimal.Decimal {
	total := decimal.Zero
	for _, lv := range levels {
		if lv.Side == side {
			total = total.Add(lv.Qty)
		}
	}
	return total
}

// trimToCapacity drops outermost (last-appended) levels on each side until
// each side's total quantity is within the arbiter's allowed capacity, per
// spec.md §4.10's "dropping outermost first" rule.
func trimToCapacity(levels []grid.Level, maxBuy, maxSell decimal.Decimal) []grid.Level {
	buys := filterSide(levels, grid.Buy)
	sells := filterSide(levels, grid.Sell)
	buys = trimSide(buys, maxBuy)
	sells = trimSide(sells, maxSell)
	out := make([]grid.Level, 0, len(buys)+len(sells))
	out = append(out, buys...)
	out = append(out, sells...)
	return out
}

func filterSide(levels []grid.Level, side grid.Side) []grid.Level {
	out := make([]grid.Level, 0, len(levels))
	for _, lv := range levels {
		if lv.Side == side {
			out = append(out, lv)
		}
	}
	return out
}

func trimSide(levels []grid.Level, maxQty decimal.Decimal) []grid.Level {
	total := decimal.Zero
	kept := make([]grid.Level, 0, len(levels))
	for _, lv := range levels {
		if total.Add(lv.Qty).GreaterThan(maxQty) {
			break
		}
		total = total.Add(lv.Qty)
		kept = append(kept, lv)
	}
	return kept
}

func dropBuys(levels []grid.Level) []grid.Level {
	out := make([]grid.Level, 0, len(levels))
	for _, lv := range levels {
		if lv.Side != grid.Buy {
			out = append(out, lv)
		}
	}
	return out
}

// assignSlots maps grid levels onto stable slot indices within the
// order.Manager's fixed-size slot array: buys occupy [0, sellOffset), sells
// occupy [sellOffset, ...), both ordered nearest-to-center first, so a given
// slot index tends to track the same "distance from center" level across
// ticks and OrderManager's amend-first diff stays effective.
func assignSlots(levels []grid.Level, sellOffset int) map[int]*order.DesiredLevel {
	out := make(map[int]*order.DesiredLevel, len(levels))
	buyIdx, sellIdx := 0, 0
	for _, lv := range levels {
		var slot int
		var side order.Side
		if lv.Side == grid.Buy {
			slot = buyIdx
			buyIdx++
			side = order.Buy
		} else {
			slot = sellOffset + sellIdx
			sellIdx++
			side = order.Sell
		}
		out[slot] = &order.DesiredLevel{Side: side, Price: lv.Price, Qty: lv.Qty}
	}
	return out
}
