// Package scanner опрашивает ставки фандинга на всех подключённых
// площадках по единому тикеру и уведомляет подписчика последовательно,
// без параллельных вызовов колбэка.
package scanner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/types"
	"arbitrage/internal/venue"
)

// Snapshot - ставки фандинга, собранные за один цикл опроса.
type Snapshot map[string]map[string]types.FundingRate // venue -> symbol -> rate

// Status - состояние конкретной площадки с точки зрения сканера.
type Status struct {
	Venue      string
	LastOK     time.Time
	LastErr    error
	Stale      bool
}

// Config настраивает периодичность опроса и порог устаревания.
type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration // если с последнего успешного опроса прошло больше - площадка считается stale
}

// DefaultConfig - 30-секундный опрос, устаревание через 120 секунд
// (порог взят из исходной реализации сканера).
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second, StaleAfter: 120 * time.Second}
}

// Scanner опрашивает набор площадок на предмет ставок фандинга по
// заданным символам и кеширует последние известные значения.
type Scanner struct {
	cfg     Config
	venues  map[string]venue.Venue
	symbols []string
	log     *zap.Logger

	mu       sync.RWMutex
	cache    Snapshot
	statuses map[string]Status

	onUpdate func(Snapshot)
}

// New создаёт сканер над набором площадок для указанных символов.
func New(cfg Config, venues map[string]venue.Venue, symbols []string, log *zap.Logger) *Scanner {
	cache := make(Snapshot)
	statuses := make(map[string]Status)
	for name := range venues {
		cache[name] = make(map[string]types.FundingRate)
		statuses[name] = Status{Venue: name}
	}
	return &Scanner{
		cfg:      cfg,
		venues:   venues,
		symbols:  symbols,
		log:      log,
		cache:    cache,
		statuses: statuses,
	}
}

// OnUpdate регистрирует колбэк, вызываемый последовательно после каждого
// цикла опроса - следующий тик не начнётся, пока колбэк не вернёт
// управление.
func (s *Scanner) OnUpdate(fn func(Snapshot)) {
	s.onUpdate = fn
}

// Run запускает цикл опроса и блокируется до отмены ctx. Выполняет один
// опрос немедленно перед входом в цикл тикера.
func (s *Scanner) Run(ctx context.Context) {
	s.poll(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// ForceScan опрашивает все площадки немедленно, не дожидаясь очередного
// тика - используется ручным запуском сканирования через API.
func (s *Scanner) ForceScan(ctx context.Context) {
	s.poll(ctx)
}

// poll опрашивает все площадки параллельно, затем вызывает onUpdate
// синхронно из этой же горутины - следующий тик ждёт завершения колбэка.
func (s *Scanner) poll(ctx context.Context) {
	var wg sync.WaitGroup
	type result struct {
		venueName string
		rates     map[string]types.FundingRate
		err       error
	}
	results := make(chan result, len(s.venues))

	for name, v := range s.venues {
		wg.Add(1)
		go func(name string, v venue.Venue) {
			defer wg.Done()
			rates := make(map[string]types.FundingRate, len(s.symbols))
			var firstErr error
			for _, symbol := range s.symbols {
				r, err := v.GetFundingRate(ctx, symbol)
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				rates[symbol] = r
			}
			results <- result{venueName: name, rates: rates, err: firstErr}
		}(name, v)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	now := time.Now().UTC()
	s.mu.Lock()
	for res := range results {
		st := s.statuses[res.venueName]
		st.Venue = res.venueName
		if len(res.rates) > 0 {
			st.LastOK = now
			st.Stale = false
		}
		st.LastErr = res.err
		s.statuses[res.venueName] = st

		for symbol, r := range res.rates {
			s.cache[res.venueName][symbol] = r
		}

		if s.log != nil && res.err != nil {
			s.log.Warn("ошибка опроса ставок фандинга", zap.String("venue", res.venueName), zap.Error(res.err))
		}
	}

	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(snapshot)
	}
}

func (s *Scanner) snapshotLocked() Snapshot {
	out := make(Snapshot, len(s.cache))
	for venueName, bySymbol := range s.cache {
		copied := make(map[string]types.FundingRate, len(bySymbol))
		for symbol, r := range bySymbol {
			copied[symbol] = r
		}
		out[venueName] = copied
	}
	return out
}

// Snapshot возвращает копию текущего кеша ставок.
func (s *Scanner) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// VenueStatus возвращает состояние конкретной площадки, помечая её stale
// если с последнего успешного опроса прошло больше StaleAfter.
func (s *Scanner) VenueStatus(name string, now time.Time) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[name]
	if !ok {
		return Status{}, false
	}
	if !st.LastOK.IsZero() && now.Sub(st.LastOK) > s.cfg.StaleAfter {
		st.Stale = true
	}
	return st, true
}
