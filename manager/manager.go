// Package manager owns the set of per-symbol trading loops: construction from
// configuration, fan-out start/stop, and the aggregate view served by the API.
package manager

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"atrbot/config"
	"atrbot/featureflag"
	"atrbot/journal"
	"atrbot/risk"
	"atrbot/sizing"
	"atrbot/store"
	"atrbot/strategy"
	"atrbot/trader"
)

// StoreFactory builds the snapshot backend for one bot. Wired by main so the
// manager stays agnostic of file-vs-postgres.
type StoreFactory func(botID string) (store.Store, error)

// Manager supervises the configured trading bots.
type Manager struct {
	mu           sync.RWMutex
	bots         map[string]*trader.AutoTrader
	featureFlags *featureflag.RuntimeFlags
	storeFactory StoreFactory

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager creates an empty manager. A nil factory disables persistence.
func NewManager(flags *featureflag.RuntimeFlags, factory StoreFactory) *Manager {
	if flags == nil {
		flags = featureflag.NewRuntimeFlags(featureflag.DefaultState())
	}
	return &Manager{
		bots:         make(map[string]*trader.AutoTrader),
		featureFlags: flags,
		storeFactory: factory,
	}
}

// AddBot builds one trading loop from its configuration.
func (m *Manager) AddBot(cfg config.BotConfig, global *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bots[cfg.ID]; exists {
		return fmt.Errorf("bot id %q already exists", cfg.ID)
	}

	orderType := trader.OrderTypeMarket
	if cfg.OrderType == "limit" {
		orderType = trader.OrderTypeLimit
	}

	traderCfg := trader.AutoTraderConfig{
		ID:           cfg.ID,
		Symbol:       cfg.Symbol,
		Interval:     cfg.Interval,
		PollInterval: cfg.PollInterval(),
		ATRWindow:    cfg.ATRWindow,
		Strategy: strategy.Config{
			K:           cfg.K,
			StopEnabled: cfg.StopEnabled(),
			StopATR:     cfg.StopLossATR,
		},
		Sizing: sizing.Config{
			Mode:     sizing.Mode(cfg.Sizing.Mode),
			Notional: cfg.Sizing.Notional,
			Quantity: cfg.Sizing.Quantity,
		},
		Risk: risk.Parameters{
			MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
			Cooldown:        cfg.Risk.Cooldown(),
			MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
			StartEquity:     cfg.Risk.StartEquity,
		},
		OrderType:    orderType,
		SlippageBps:  cfg.SlippageBps,
		APIKey:       global.BinanceAPIKey,
		SecretKey:    global.BinanceSecretKey,
		Paper:        cfg.PaperTrading,
		PaperBalance: cfg.InitialBalance,
		PaperFeeBps:  cfg.TakerFeeBps,
	}

	var snapshots store.Store
	if m.storeFactory != nil && m.featureFlags.PersistenceEnabled() {
		var err error
		snapshots, err = m.storeFactory(cfg.ID)
		if err != nil {
			return fmt.Errorf("snapshot store for %q: %w", cfg.ID, err)
		}
	}

	var jrnl *journal.Journal
	if global.JournalDir != "" {
		jrnl = journal.New(filepath.Join(global.JournalDir, cfg.ID+"-trades.csv"))
	}

	at, err := trader.NewAutoTrader(traderCfg, snapshots, jrnl, m.featureFlags)
	if err != nil {
		return fmt.Errorf("create bot %q: %w", cfg.ID, err)
	}

	m.bots[cfg.ID] = at
	log.Printf("bot %q added: symbol=%s paper=%v", cfg.ID, at.Symbol(), cfg.PaperTrading)
	return nil
}

// GetBot returns the loop with the given ID.
func (m *Manager) GetBot(id string) (*trader.AutoTrader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, exists := m.bots[id]
	if !exists {
		return nil, fmt.Errorf("bot id %q not found", id)
	}
	return at, nil
}

// BotIDs lists the configured bot IDs.
func (m *Manager) BotIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	return ids
}

// FeatureFlags exposes the runtime flag set for the admin API.
func (m *Manager) FeatureFlags() *featureflag.RuntimeFlags {
	return m.featureFlags
}

// StartAll launches every bot loop in its own goroutine.
func (m *Manager) StartAll(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	bots := make([]*trader.AutoTrader, 0, len(m.bots))
	for _, at := range m.bots {
		bots = append(bots, at)
	}
	m.mu.Unlock()

	log.Printf("starting %d bot(s)", len(bots))
	for _, at := range bots {
		m.wg.Add(1)
		go func(at *trader.AutoTrader) {
			defer m.wg.Done()
			if err := at.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("bot %q exited: %v", at.ID(), err)
			}
		}(at)
	}
}

// RunOnce executes a single cycle for every bot, for --once invocations.
func (m *Manager) RunOnce(ctx context.Context) error {
	m.mu.RLock()
	bots := make([]*trader.AutoTrader, 0, len(m.bots))
	for _, at := range m.bots {
		bots = append(bots, at)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, at := range bots {
		if err := at.Cycle(ctx); err != nil {
			log.Printf("bot %q cycle failed: %v", at.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every loop and waits for them to finish.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	bots := make([]*trader.AutoTrader, 0, len(m.bots))
	for _, at := range m.bots {
		bots = append(bots, at)
	}
	m.mu.Unlock()

	for _, at := range bots {
		at.Stop()
	}
	m.wg.Wait()
	log.Println("all bots stopped")
}

// Status aggregates the per-bot status maps for the API.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bots := make([]map[string]interface{}, 0, len(m.bots))
	for _, at := range m.bots {
		bots = append(bots, at.Status())
	}
	return map[string]interface{}{
		"count": len(bots),
		"bots":  bots,
	}
}
