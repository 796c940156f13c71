package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "github.com/lib/pq"

	"arbitrage/internal/alert"
	"arbitrage/internal/api"
	"arbitrage/internal/broadcast"
	"arbitrage/internal/config"
	"arbitrage/internal/coordinator"
	"arbitrage/internal/detector"
	"arbitrage/internal/executor"
	"arbitrage/internal/positionmgr"
	"arbitrage/internal/repository"
	"arbitrage/internal/risk"
	"arbitrage/internal/scanner"
	"arbitrage/internal/types"
	"arbitrage/internal/venue"
	"arbitrage/pkg/utils"
)

// Площадки, с которыми умеет работать движок. В SimulationMode все
// площадки заменяются детерминированными in-memory фейками, не зависящими
// от реальных бирж - удобно для обкатки без риска и без сетевых ключей.
var supportedVenues = []string{"bybit", "bitget", "okx", "gate", "htx", "bingx"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("не удалось загрузить конфигурацию: %v", err)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()

	repo, closeRepo := initRepository(cfg, logger)
	defer closeRepo()

	venues := initVenues(cfg, logger)

	alertSender := alert.NewLogSender(logger.Logger)

	scanCfg := scanner.DefaultConfig()
	scanCfg.PollInterval = cfg.Arbitrage.PollInterval
	scan := scanner.New(scanCfg, venues, cfg.Arbitrage.Symbols, logger.Logger)

	// Конфигурация задаёт пороги в процентах, детектор работает в долях;
	// допуск по отрицательному спреду детектор ждёт со знаком минус.
	hundred := decimal.NewFromInt(100)
	detCfg := detector.DefaultConfig()
	detCfg.MinSpreadBase = decimal.NewFromFloat(cfg.Arbitrage.MinDailySpreadBase).Div(hundred)
	detCfg.MinSpreadPer10k = decimal.NewFromFloat(cfg.Arbitrage.MinDailySpreadPer10k).Div(hundred)
	detCfg.MinSecondsToFunding = float64(cfg.Arbitrage.MinSecondsToFunding)
	detCfg.NegativeSpreadTolerance = decimal.NewFromFloat(cfg.Arbitrage.NegativeSpreadTolerance).Abs().Neg().Div(hundred)
	det := detector.New(detCfg)
	for name, v := range venues {
		ft, err := v.GetFeeTier(context.Background(), "")
		if err != nil {
			ft = venue.DefaultFeeTier(name, "")
		}
		det.SetFeeTier(name, ft)
	}

	exec := executor.New(executor.DefaultConfig(), venues, logger.Logger)

	riskCfg := risk.DefaultConfig()
	riskCfg.MaxPositionPerPairUSD = decimal.NewFromFloat(cfg.Arbitrage.MaxPositionPerPairUSD)
	riskMgr := risk.New(riskCfg, venues, alertSender, logger.Logger)

	positions := positionmgr.New(repo, venues)

	bus := broadcast.New(logger.Logger)
	go bus.Run()

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Symbols = cfg.Arbitrage.Symbols
	coordCfg.SimulationMode = cfg.Arbitrage.SimulationMode
	coordCfg.Leverage = cfg.Arbitrage.Leverage
	coord := coordinator.New(coordCfg, venues, scan, det, exec, riskMgr, positions, bus, logger.Logger)

	router := mux.NewRouter()
	api.SetupEngineRoutes(router, api.EngineDependencies{
		Coordinator:  coord,
		Scanner:      scan,
		Log:          logger.Logger,
		OperatorHash: os.Getenv("OPERATOR_TOKEN_HASH"),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(fmt.Sprintf("запуск HTTP API движка на %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("сервер остановился с ошибкой: %v", err)
		}
	}()

	if err := coord.Start(context.Background()); err != nil {
		log.Fatalf("не удалось запустить координатор: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("получен сигнал остановки, завершаем работу...")

	coord.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("сервер не остановился штатно: %v", err)
	}

	log.Println("движок остановлен")
}

// initRepository выбирает хранилище позиций в зависимости от режима:
// Postgres для боевой работы, in-memory в режиме симуляции.
func initRepository(cfg *config.Config, logger *utils.Logger) (repository.ArbRepository, func()) {
	if cfg.Arbitrage.SimulationMode {
		logger.Info("режим симуляции: используется in-memory репозиторий позиций")
		return repository.NewMemoryArbRepository(), func() {}
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.SSLMode,
	)
	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatalf("не удалось открыть подключение к БД: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("не удалось подключиться к БД: %v", err)
	}

	return repository.NewPostgresArbRepository(db), func() { db.Close() }
}

// initVenues собирает набор площадок, настроенных в конфигурации. В
// SimulationMode каждая площадка - это SimVenue с детерминированными
// ставками фандинга, подставленными для обкатки детектора и исполнителя
// без реального сетевого доступа. Каждая площадка оборачивается
// circuit breaker'ом независимо от режима - поведение по переключению
// состояний должно обкатываться так же, как в бою.
func initVenues(cfg *config.Config, logger *utils.Logger) map[string]venue.Venue {
	venues := make(map[string]venue.Venue, len(supportedVenues))

	breakerCfg := venue.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.Arbitrage.CBFailureThreshold
	breakerCfg.ResetTimeout = cfg.Arbitrage.CBResetTimeout

	for _, name := range supportedVenues {
		var v venue.Venue
		if cfg.Arbitrage.SimulationMode {
			sim := venue.NewSimVenue(name)
			seedSimVenue(sim, cfg.Arbitrage.Symbols)
			v = sim
		} else {
			// Реальных адаптеров площадок в модуле нет: без симуляции
			// площадка тоже собирается как SimVenue, о чём пишется
			// предупреждение в лог.
			logger.Warn("боевой режим без симуляции требует реальных адаптеров площадок", zap.String("venue", name))
			sim := venue.NewSimVenue(name)
			seedSimVenue(sim, cfg.Arbitrage.Symbols)
			v = sim
		}
		venues[name] = venue.NewBreaker(v, breakerCfg)
	}

	return venues
}

// seedSimVenue задаёт начальные ставки фандинга и стаканы для
// детерминированного прогона в режиме симуляции.
func seedSimVenue(sim *venue.SimVenue, symbols []string) {
	now := time.Now().UTC()
	nextFunding := now.Add(4 * time.Hour).Truncate(time.Hour)
	mid := decimal.RequireFromString("50000")
	spread := decimal.RequireFromString("5")
	volume := decimal.RequireFromString("10")

	for _, symbol := range symbols {
		sim.SetFundingRate(types.FundingRate{
			Symbol:          symbol,
			Rate:            decimal.RequireFromString("0.0001"),
			IntervalHours:   8,
			NextFundingTime: nextFunding,
			ObservedAt:      now,
		})
		sim.SetOrderBook(types.OrderBook{
			Symbol:    symbol,
			Bids:      []types.PriceLevel{{Price: mid.Sub(spread), Volume: volume}},
			Asks:      []types.PriceLevel{{Price: mid.Add(spread), Volume: volume}},
			Timestamp: now,
		})
	}
}
