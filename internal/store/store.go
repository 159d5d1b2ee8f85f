// Package store implements the TradeStore and TradeLogger (spec §4.1): the
// authoritative, persistent record of trades and fills, with derived
// performance statistics, CSV export, and retention cleanup.
//
// The teacher's internal/store/store.go persists positions as flat JSON
// files with atomic write-then-rename — simple, but unable to express the
// conjunctive filters, grouping, and aggregation this component needs
// (getTrades, getStats, getDailyPnL). That requirement is why this package
// is backed by gorm.io/gorm over SQLite instead: see DESIGN.md for the
// full justification. The atomic-write discipline the teacher modeled is
// preserved at a coarser grain — every mutation is one GORM transaction.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pmgateway/gateway/internal/eventbus"
	"github.com/pmgateway/gateway/internal/gatewayerr"
	"github.com/pmgateway/gateway/pkg/types"
)

// tradeRow is the GORM model backing types.Trade. decimal.Decimal and
// time.Time/*time.Time implement database/sql's Valuer/Scanner directly, so
// no custom serializer is needed.
type tradeRow struct {
	ID             string `gorm:"primaryKey"`
	Venue          string `gorm:"index"`
	MarketID       string `gorm:"index"`
	MarketQuestion string
	Outcome        string

	Side      string
	OrderKind string

	Price  decimal.Decimal
	Size   decimal.Decimal
	Filled decimal.Decimal
	Cost   decimal.Decimal
	Fees   decimal.Decimal

	Status string `gorm:"index"`

	StrategyID   string `gorm:"index"`
	StrategyName string
	Tags         string // comma-joined; tags are small and rarely queried directly

	EntryTradeID *string
	ExitTradeID  *string

	RealizedPnL    *decimal.Decimal
	RealizedPnLPct *decimal.Decimal

	CreatedAt time.Time `gorm:"index"`
	FilledAt  *time.Time

	MetaJSON string // json-encoded map[string]any
}

func (tradeRow) TableName() string { return "trades" }

func toRow(tr types.Trade) tradeRow {
	metaJSON := "{}"
	if len(tr.Meta) > 0 {
		if b, err := json.Marshal(tr.Meta); err == nil {
			metaJSON = string(b)
		}
	}
	return tradeRow{
		ID:             tr.ID,
		Venue:          tr.Venue,
		MarketID:       tr.MarketID,
		MarketQuestion: tr.MarketQuestion,
		Outcome:        tr.Outcome,
		Side:           string(tr.Side),
		OrderKind:      string(tr.OrderKind),
		Price:          tr.Price,
		Size:           tr.Size,
		Filled:         tr.Filled,
		Cost:           tr.Cost,
		Fees:           tr.Fees,
		Status:         string(tr.Status),
		StrategyID:     tr.StrategyID,
		StrategyName:   tr.StrategyName,
		Tags:           strings.Join(tr.Tags, ","),
		EntryTradeID:   tr.EntryTradeID,
		ExitTradeID:    tr.ExitTradeID,
		RealizedPnL:    tr.RealizedPnL,
		RealizedPnLPct: tr.RealizedPnLPct,
		CreatedAt:      tr.CreatedAt,
		FilledAt:       tr.FilledAt,
		MetaJSON:       metaJSON,
	}
}

func fromRow(r tradeRow) types.Trade {
	var tags []string
	if r.Tags != "" {
		tags = strings.Split(r.Tags, ",")
	}
	var meta map[string]any
	if r.MetaJSON != "" {
		_ = json.Unmarshal([]byte(r.MetaJSON), &meta)
	}
	return types.Trade{
		ID:             r.ID,
		Venue:          r.Venue,
		MarketID:       r.MarketID,
		MarketQuestion: r.MarketQuestion,
		Outcome:        r.Outcome,
		Side:           types.Side(r.Side),
		OrderKind:      types.OrderKind(r.OrderKind),
		Price:          r.Price,
		Size:           r.Size,
		Filled:         r.Filled,
		Cost:           r.Cost,
		Fees:           r.Fees,
		Status:         types.TradeStatus(r.Status),
		StrategyID:     r.StrategyID,
		StrategyName:   r.StrategyName,
		Tags:           tags,
		EntryTradeID:   r.EntryTradeID,
		ExitTradeID:    r.ExitTradeID,
		RealizedPnL:    r.RealizedPnL,
		RealizedPnLPct: r.RealizedPnLPct,
		CreatedAt:      r.CreatedAt,
		FilledAt:       r.FilledAt,
		Meta:           meta,
	}
}

// TradeSpec is the input to LogTrade. Defaults are applied for Filled (0),
// Cost (price*size), and Status (pending) per §4.1.
type TradeSpec struct {
	Venue          string
	MarketID       string
	MarketQuestion string
	Outcome        string
	Side           types.Side
	OrderKind      types.OrderKind
	Price          decimal.Decimal
	Size           decimal.Decimal
	StrategyID     string
	StrategyName   string
	Tags           []string
	Meta           map[string]any
}

// Store is the TradeStore + TradeLogger. It persists trades via GORM/SQLite
// and emits named lifecycle events over an eventbus.Bus.
type Store struct {
	db     *gorm.DB
	events *eventbus.Bus
}

// Open creates (or attaches to) the SQLite-backed trade store at
// dataDir/dbFile, running migrations, matching the teacher's pattern of
// ensuring its data directory exists before first write.
func Open(dataDir, dbFile string, events *eventbus.Bus) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFile)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&tradeRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, events: events}, nil
}

// OpenInMemory opens an ephemeral in-memory SQLite-backed store, for a
// BacktestEngine run with no externally supplied TradeLogger (spec §9
// "shared vs isolated TradeLogger"). The database does not survive past the
// process. Each call gets its own uniquely named in-memory database (rather
// than the bare ":memory:" DSN) so concurrent backtests never share state,
// and the connection pool is capped at one connection, since SQLite's
// in-memory mode hands each connection an independent database.
func OpenInMemory(events *eventbus.Bus) (*Store, error) {
	var suffix [8]byte
	_, _ = rand.Read(suffix[:])
	dsn := fmt.Sprintf("file:backtest_%s?mode=memory&cache=shared", hex.EncodeToString(suffix[:]))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&tradeRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, events: events}, nil
}

func (s *Store) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// LogTrade assigns a unique id, stamps createdAt, applies defaults, writes
// through to the persistent store, and emits a "trade" event.
func (s *Store) LogTrade(ctx context.Context, spec TradeSpec) (types.Trade, error) {
	now := time.Now().UTC()
	tr := types.Trade{
		ID:             newTradeID(),
		Venue:          spec.Venue,
		MarketID:       spec.MarketID,
		MarketQuestion: spec.MarketQuestion,
		Outcome:        spec.Outcome,
		Side:           spec.Side,
		OrderKind:      spec.OrderKind,
		Price:          spec.Price,
		Size:           spec.Size,
		Filled:         decimal.Zero,
		Cost:           spec.Price.Mul(spec.Size),
		Fees:           decimal.Zero,
		Status:         types.TradeStatusPending,
		StrategyID:     spec.StrategyID,
		StrategyName:   spec.StrategyName,
		Tags:           spec.Tags,
		CreatedAt:      now,
		Meta:           spec.Meta,
	}

	row := toRow(tr)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.Trade{}, gatewayerr.New(gatewayerr.Storage, "logTrade", err)
	}
	s.publish("trade", tr)
	return tr, nil
}

// FillTrade sets filled/cost, updates fees, transitions status, stamps
// filledAt, and emits "tradeFilled". Returns nil, nil for an unknown id
// (logical failure, not surfaced as an error, per §4.1/§7).
func (s *Store) FillTrade(ctx context.Context, id string, filledPrice, filledSize, fees decimal.Decimal) (*types.Trade, error) {
	var row tradeRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, gatewayerr.New(gatewayerr.Storage, "fillTrade", err)
	}

	newFilled := row.Filled.Add(filledSize)
	row.Filled = newFilled
	row.Cost = filledPrice.Mul(newFilled)
	row.Fees = row.Fees.Add(fees)
	now := time.Now().UTC()
	row.FilledAt = &now
	if newFilled.GreaterThanOrEqual(row.Size) {
		row.Status = string(types.TradeStatusFilled)
	} else {
		row.Status = string(types.TradeStatusPartial)
	}

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, gatewayerr.New(gatewayerr.Storage, "fillTrade", err)
	}
	tr := fromRow(row)
	s.publish("tradeFilled", tr)
	return &tr, nil
}

// CancelTrade sets status cancelled and emits "tradeCancelled". Calling it
// on an already-cancelled trade is a no-op that returns the cancelled
// record (§8 idempotence).
func (s *Store) CancelTrade(ctx context.Context, id string) (*types.Trade, error) {
	var row tradeRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, gatewayerr.New(gatewayerr.Storage, "cancelTrade", err)
	}

	if row.Status == string(types.TradeStatusCancelled) {
		tr := fromRow(row)
		return &tr, nil
	}

	row.Status = string(types.TradeStatusCancelled)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, gatewayerr.New(gatewayerr.Storage, "cancelTrade", err)
	}
	tr := fromRow(row)
	s.publish("tradeCancelled", tr)
	return &tr, nil
}

// LinkTrades writes cross-references on both rows and records realizedPnL
// and realizedPnLPct on the entry.
func (s *Store) LinkTrades(ctx context.Context, entryID, exitID string, realizedPnL decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry, exit tradeRow
		if err := tx.First(&entry, "id = ?", entryID).Error; err != nil {
			return gatewayerr.New(gatewayerr.NotFound, "linkTrades", err)
		}
		if err := tx.First(&exit, "id = ?", exitID).Error; err != nil {
			return gatewayerr.New(gatewayerr.NotFound, "linkTrades", err)
		}

		exitIDCopy := exitID
		entryIDCopy := entryID
		entry.ExitTradeID = &exitIDCopy
		exit.EntryTradeID = &entryIDCopy

		entry.RealizedPnL = &realizedPnL
		if !entry.Cost.IsZero() {
			pct := realizedPnL.Div(entry.Cost)
			entry.RealizedPnLPct = &pct
		}

		if err := tx.Save(&entry).Error; err != nil {
			return gatewayerr.New(gatewayerr.Storage, "linkTrades", err)
		}
		if err := tx.Save(&exit).Error; err != nil {
			return gatewayerr.New(gatewayerr.Storage, "linkTrades", err)
		}
		return nil
	})
}

// GetTrade returns nil when id is unknown (§7 NotFound policy).
func (s *Store) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	var row tradeRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, gatewayerr.New(gatewayerr.Storage, "getTrade", err)
	}
	tr := fromRow(row)
	return &tr, nil
}

// TradeFilter is a conjunctive filter over GetTrades/GetStats.
type TradeFilter struct {
	Venue      string
	MarketID   string
	StrategyID string
	Status     types.TradeStatus
	Side       types.Side
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

func (f TradeFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Venue != "" {
		q = q.Where("venue = ?", f.Venue)
	}
	if f.MarketID != "" {
		q = q.Where("market_id = ?", f.MarketID)
	}
	if f.StrategyID != "" {
		q = q.Where("strategy_id = ?", f.StrategyID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Side != "" {
		q = q.Where("side = ?", string(f.Side))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}
	return q
}

// GetTrades returns trades matching the filter, newest-first by createdAt.
func (s *Store) GetTrades(ctx context.Context, filter TradeFilter) ([]types.Trade, error) {
	q := filter.apply(s.db.WithContext(ctx).Model(&tradeRow{})).Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, gatewayerr.New(gatewayerr.Storage, "getTrades", err)
	}
	out := make([]types.Trade, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Stats is the output of GetStats (§4.1).
type Stats struct {
	TotalTrades  int
	Wins         int
	Losses       int
	WinRate      float64
	TotalPnL     decimal.Decimal
	AvgPnL       decimal.Decimal
	AvgWin       decimal.Decimal
	AvgLoss      decimal.Decimal
	LargestWin   decimal.Decimal
	LargestLoss  decimal.Decimal
	ProfitFactor float64 // math.Inf(1) when losses=0 and wins>0; 0 when both zero
	TotalVolume  decimal.Decimal
	TotalFees    decimal.Decimal
	ByVenue      map[string]GroupStats
	ByStrategy   map[string]GroupStats
}

// GroupStats is the per-venue/per-strategy breakdown within Stats.
type GroupStats struct {
	Trades  int
	PnL     decimal.Decimal
	WinRate float64
}

type groupAccum struct {
	trades int
	wins   int
	pnl    decimal.Decimal
}

func (g *groupAccum) toGroupStats() GroupStats {
	gs := GroupStats{Trades: g.trades, PnL: g.pnl}
	if g.trades > 0 {
		gs.WinRate = float64(g.wins) / float64(g.trades) * 100
	}
	return gs
}

// GetStats derives aggregate performance statistics over trades matching
// filter. Only trades with a non-nil RealizedPnL count toward wins/losses.
func (s *Store) GetStats(ctx context.Context, filter TradeFilter) (Stats, error) {
	q := filter.apply(s.db.WithContext(ctx).Model(&tradeRow{}))
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return Stats{}, gatewayerr.New(gatewayerr.Storage, "getStats", err)
	}

	stats := Stats{
		TotalPnL:    decimal.Zero,
		AvgPnL:      decimal.Zero,
		AvgWin:      decimal.Zero,
		AvgLoss:     decimal.Zero,
		LargestWin:  decimal.Zero,
		LargestLoss: decimal.Zero,
		TotalVolume: decimal.Zero,
		TotalFees:   decimal.Zero,
		ByVenue:     map[string]GroupStats{},
		ByStrategy:  map[string]GroupStats{},
	}

	byVenueRaw := map[string]*groupAccum{}
	byStrategyRaw := map[string]*groupAccum{}

	var totalWinAmt, totalLossAmt decimal.Decimal
	closedCount := 0

	for _, r := range rows {
		stats.TotalTrades++
		stats.TotalVolume = stats.TotalVolume.Add(r.Cost)
		stats.TotalFees = stats.TotalFees.Add(r.Fees)

		venueAcc := byVenueRaw[r.Venue]
		if venueAcc == nil {
			venueAcc = &groupAccum{}
			byVenueRaw[r.Venue] = venueAcc
		}
		venueAcc.trades++

		stratAcc := byStrategyRaw[r.StrategyID]
		if stratAcc == nil {
			stratAcc = &groupAccum{}
			byStrategyRaw[r.StrategyID] = stratAcc
		}
		stratAcc.trades++

		if r.RealizedPnL == nil {
			continue
		}
		pnl := *r.RealizedPnL
		closedCount++
		stats.TotalPnL = stats.TotalPnL.Add(pnl)
		venueAcc.pnl = venueAcc.pnl.Add(pnl)
		stratAcc.pnl = stratAcc.pnl.Add(pnl)

		if pnl.IsPositive() {
			stats.Wins++
			venueAcc.wins++
			stratAcc.wins++
			totalWinAmt = totalWinAmt.Add(pnl)
			if pnl.GreaterThan(stats.LargestWin) {
				stats.LargestWin = pnl
			}
		} else if pnl.IsNegative() {
			stats.Losses++
			totalLossAmt = totalLossAmt.Add(pnl)
			if pnl.LessThan(stats.LargestLoss) {
				stats.LargestLoss = pnl
			}
		}
	}

	if closedCount > 0 {
		stats.AvgPnL = stats.TotalPnL.Div(decimal.NewFromInt(int64(closedCount)))
	}
	if stats.Wins > 0 {
		stats.AvgWin = totalWinAmt.Div(decimal.NewFromInt(int64(stats.Wins)))
	}
	if stats.Losses > 0 {
		stats.AvgLoss = totalLossAmt.Div(decimal.NewFromInt(int64(stats.Losses)))
	}
	if closedCount > 0 {
		stats.WinRate = float64(stats.Wins) / float64(closedCount) * 100
	}

	switch {
	case stats.Losses == 0 && stats.Wins > 0:
		stats.ProfitFactor = math.Inf(1)
	case stats.Wins == 0 && stats.Losses == 0:
		stats.ProfitFactor = 0
	default:
		lossAbs, _ := totalLossAmt.Abs().Float64()
		winFloat, _ := totalWinAmt.Float64()
		if lossAbs == 0 {
			stats.ProfitFactor = math.Inf(1)
		} else {
			stats.ProfitFactor = winFloat / lossAbs
		}
	}

	for venue, acc := range byVenueRaw {
		stats.ByVenue[venue] = acc.toGroupStats()
	}
	for strat, acc := range byStrategyRaw {
		stats.ByStrategy[strat] = acc.toGroupStats()
	}

	return stats, nil
}

// DailyPnL is one calendar day's realized P&L.
type DailyPnL struct {
	Day time.Time
	PnL decimal.Decimal
}

// GetDailyPnL groups closed trades by calendar day (UTC) and sums realizedPnL.
func (s *Store) GetDailyPnL(ctx context.Context, days int) ([]DailyPnL, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var rows []tradeRow
	err := s.db.WithContext(ctx).
		Where("realized_pnl IS NOT NULL AND created_at >= ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Storage, "getDailyPnL", err)
	}

	byDay := map[string]decimal.Decimal{}
	for _, r := range rows {
		day := r.CreatedAt.UTC().Format("2006-01-02")
		byDay[day] = byDay[day].Add(*r.RealizedPnL)
	}

	out := make([]DailyPnL, 0, len(byDay))
	for day, pnl := range byDay {
		t, _ := time.Parse("2006-01-02", day)
		out = append(out, DailyPnL{Day: t, PnL: pnl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// csvColumns is the stable, documented column order (spec §6).
var csvColumns = []string{
	"id", "platform", "market_id", "market_question", "outcome", "side",
	"order_type", "price", "size", "filled", "cost", "fees", "status",
	"strategy_id", "strategy_name", "realized_pnl", "realized_pnl_pct",
	"created_at", "filled_at",
}

// ExportCSV emits one row per matching trade in the documented column order.
func (s *Store) ExportCSV(ctx context.Context, filter TradeFilter) (string, error) {
	trades, err := s.GetTrades(ctx, filter)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(joinCSV(csvColumns))
	b.WriteByte('\n')
	for _, tr := range trades {
		b.WriteString(joinCSV(tradeCSVRow(tr)))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func tradeCSVRow(tr types.Trade) []string {
	optDecimal := func(d *decimal.Decimal) string {
		if d == nil {
			return ""
		}
		return d.String()
	}
	optTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return []string{
		tr.ID,
		tr.Venue,
		tr.MarketID,
		tr.MarketQuestion,
		tr.Outcome,
		string(tr.Side),
		string(tr.OrderKind),
		tr.Price.String(),
		tr.Size.String(),
		tr.Filled.String(),
		tr.Cost.String(),
		tr.Fees.String(),
		string(tr.Status),
		tr.StrategyID,
		tr.StrategyName,
		optDecimal(tr.RealizedPnL),
		optDecimal(tr.RealizedPnLPct),
		tr.CreatedAt.UTC().Format(time.RFC3339),
		optTime(tr.FilledAt),
	}
}

func joinCSV(fields []string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		if strings.ContainsAny(f, ",\"\n") {
			f = "\"" + strings.ReplaceAll(f, "\"", "\"\"") + "\""
		}
		escaped[i] = f
	}
	return strings.Join(escaped, ",")
}

// Cleanup deletes trades older than olderThanDays whose linked counterpart
// (if any) is also older than the cutoff; it never breaks a live entry/exit
// pair.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	var rows []tradeRow
	if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&rows).Error; err != nil {
		return 0, gatewayerr.New(gatewayerr.Storage, "cleanup", err)
	}

	deleted := 0
	for _, r := range rows {
		var linkedID *string
		if r.EntryTradeID != nil {
			linkedID = r.EntryTradeID
		} else if r.ExitTradeID != nil {
			linkedID = r.ExitTradeID
		}
		if linkedID != nil {
			var counterpart tradeRow
			err := s.db.WithContext(ctx).First(&counterpart, "id = ?", *linkedID).Error
			if err == nil && !counterpart.CreatedAt.Before(cutoff) {
				continue // counterpart still live: keep the pair
			}
		}
		if err := s.db.WithContext(ctx).Delete(&tradeRow{}, "id = ?", r.ID).Error; err != nil {
			return deleted, gatewayerr.New(gatewayerr.Storage, "cleanup", err)
		}
		deleted++
	}
	return deleted, nil
}

func newTradeID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("t_%d_%s", time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}
