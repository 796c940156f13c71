// Package detector ищет возможности арбитража по ставкам фандинга:
// нормализует ставки к суточному периоду, применяет динамический порог
// и отбрасывает нерентабельные после комиссий сделки.
package detector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"arbitrage/internal/types"
)

// Config - пороги детектора.
type Config struct {
	MinSpreadBase          decimal.Decimal // базовый порог суточного спреда
	MinSpreadPer10k        decimal.Decimal // надбавка к порогу на каждые 10000 USD размера
	MinSecondsToFunding    float64         // минимальное время до фандинга для входа
	NegativeSpreadTolerance decimal.Decimal // допустимый отрицательный спред для удержания позиции
	FundingPeriodsPerDay   int             // делитель суточной чистой прибыли для ExpectedProfitPerFunding
}

// DefaultConfig возвращает консервативные пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		MinSpreadBase:           decimal.RequireFromString("0.0003"),
		MinSpreadPer10k:         decimal.RequireFromString("0.00005"),
		MinSecondsToFunding:     60,
		NegativeSpreadTolerance: decimal.RequireFromString("-0.0001"),
		FundingPeriodsPerDay:    3,
	}
}

// Detector - чистый калькулятор возможностей над снимком ставок фандинга.
// Не хранит соединений с биржами; FeeTiers предоставляются вызывающей
// стороной (координатором) и обновляются отдельно.
type Detector struct {
	cfg       Config
	feeTiers  map[string]types.FeeTier // venue -> fee tier (общий на все символы, если не переопределён per-symbol)
	lastFound []types.Opportunity
}

// New создаёт детектор с заданной конфигурацией.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, feeTiers: make(map[string]types.FeeTier)}
}

// SetFeeTier задаёт уровень комиссий для площадки, используемый при
// расчёте чистой прибыльности.
func (d *Detector) SetFeeTier(venue string, tier types.FeeTier) {
	d.feeTiers[venue] = tier
}

func (d *Detector) takerFee(venue string) decimal.Decimal {
	if t, ok := d.feeTiers[venue]; ok {
		return t.TakerFee
	}
	return decimal.RequireFromString("0.0004")
}

// Threshold вычисляет минимальный требуемый суточный спред для размера
// позиции sizeUSD: base + per_10k * (size / 10000).
func (d *Detector) Threshold(sizeUSD decimal.Decimal) decimal.Decimal {
	scaled := d.cfg.MinSpreadPer10k.Mul(sizeUSD).Div(decimal.NewFromInt(10000))
	return d.cfg.MinSpreadBase.Add(scaled)
}

// Fees оценивает суммарную комиссию за открытие и закрытие обеих ног.
func (d *Detector) Fees(sizeUSD decimal.Decimal, longVenue, shortVenue string) decimal.Decimal {
	total := decimal.Zero
	for _, v := range []string{longVenue, shortVenue} {
		// Открытие и закрытие = 2 сделки на ногу.
		total = total.Add(sizeUSD.Mul(d.takerFee(v)).Mul(decimal.NewFromInt(2)))
	}
	return total
}

// Snapshot - ставки фандинга по всем площадкам на момент сканирования.
type Snapshot map[string]map[string]types.FundingRate // venue -> symbol -> rate

// FindOpportunities ищет все возможности выше порога, отсортированные по
// убыванию суточного спреда.
func (d *Detector) FindOpportunities(rates Snapshot, sizeUSD decimal.Decimal, now time.Time) []types.Opportunity {
	threshold := d.Threshold(sizeUSD)

	symbols := make(map[string]struct{})
	for _, bySymbol := range rates {
		for symbol := range bySymbol {
			symbols[symbol] = struct{}{}
		}
	}

	var found []types.Opportunity

	for symbol := range symbols {
		type venueRate struct {
			venue string
			rate  types.FundingRate
		}
		var candidates []venueRate
		for venue, bySymbol := range rates {
			if r, ok := bySymbol[symbol]; ok {
				candidates = append(candidates, venueRate{venue, r})
			}
		}
		if len(candidates) < 2 {
			continue
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].rate.DailyRate().LessThan(candidates[j].rate.DailyRate())
		})

		long := candidates[0]
		short := candidates[len(candidates)-1]

		longDaily := long.rate.DailyRate()
		shortDaily := short.rate.DailyRate()
		spread := shortDaily.Sub(longDaily)

		if spread.LessThan(threshold) {
			continue
		}

		nextFunding := long.rate.NextFundingTime
		if short.rate.NextFundingTime.Before(nextFunding) {
			nextFunding = short.rate.NextFundingTime
		}
		secondsToFunding := nextFunding.Sub(now).Seconds()
		if secondsToFunding < d.cfg.MinSecondsToFunding {
			continue
		}

		// Комиссии амортизируются на номинальный 7-дневный период удержания -
		// позиция открывается не ради одного фандинга, а ради серии платежей
		// за время, пока спред остаётся рентабельным.
		grossDaily := sizeUSD.Mul(spread)
		fees := d.Fees(sizeUSD, long.venue, short.venue)
		netDaily := grossDaily.Sub(fees.Div(decimal.NewFromInt(7)))
		if !netDaily.IsPositive() {
			continue
		}

		annualized := decimal.Zero
		profitPerFunding := decimal.Zero
		if sizeUSD.IsPositive() {
			annualized = netDaily.Div(sizeUSD).Mul(decimal.NewFromInt(365)).Mul(decimal.NewFromInt(100))
		}
		if d.cfg.FundingPeriodsPerDay > 0 {
			profitPerFunding = netDaily.Div(decimal.NewFromInt(int64(d.cfg.FundingPeriodsPerDay)))
		}

		found = append(found, types.Opportunity{
			Symbol:                   symbol,
			LongVenue:                long.venue,
			ShortVenue:               short.venue,
			LongIntervalHours:        long.rate.IntervalHours,
			ShortIntervalHours:       short.rate.IntervalHours,
			LongRate:                 long.rate.Rate,
			ShortRate:                short.rate.Rate,
			LongDailyRate:            longDaily,
			ShortDailyRate:           shortDaily,
			DailySpread:              spread,
			ExpectedProfitPerFunding: profitPerFunding,
			ExpectedDailyProfit:      netDaily,
			AnnualizedAPR:            annualized,
			NextFundingTime:          nextFunding,
			SecondsToFunding:         secondsToFunding,
			DetectedAt:               now,
		})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].DailySpread.GreaterThan(found[j].DailySpread)
	})

	d.lastFound = found
	return found
}

// FindBest возвращает лучшую возможность, исключая пары из excludedPairs
// (например, пары, по которым уже есть открытая позиция).
func (d *Detector) FindBest(rates Snapshot, sizeUSD decimal.Decimal, now time.Time, excludedPairs map[string]struct{}) (types.Opportunity, bool) {
	for _, o := range d.FindOpportunities(rates, sizeUSD, now) {
		if _, excluded := excludedPairs[o.Symbol]; excluded {
			continue
		}
		return o, true
	}
	return types.Opportunity{}, false
}

// EvaluateExisting проверяет, стоит ли удерживать уже открытую позицию по
// текущим ставкам: удерживаем, пока спред не инвертировался сильнее
// NegativeSpreadTolerance.
func (d *Detector) EvaluateExisting(rates Snapshot, symbol, longVenue, shortVenue string) (keep bool, currentSpread decimal.Decimal, reason string) {
	longRates, ok := rates[longVenue]
	if !ok {
		return false, decimal.Zero, "missing rate data"
	}
	shortRates, ok := rates[shortVenue]
	if !ok {
		return false, decimal.Zero, "missing rate data"
	}
	longRate, ok := longRates[symbol]
	if !ok {
		return false, decimal.Zero, "missing rate data"
	}
	shortRate, ok := shortRates[symbol]
	if !ok {
		return false, decimal.Zero, "missing rate data"
	}

	spread := shortRate.DailyRate().Sub(longRate.DailyRate())

	if spread.LessThan(d.cfg.NegativeSpreadTolerance) {
		return false, spread, "spread inverted beyond tolerance"
	}
	if spread.IsPositive() {
		return true, spread, "spread still positive"
	}
	return true, spread, "within negative tolerance"
}

// LastOpportunities возвращает возможности, найденные последним вызовом
// FindOpportunities/FindBest.
func (d *Detector) LastOpportunities() []types.Opportunity {
	out := make([]types.Opportunity, len(d.lastFound))
	copy(out, d.lastFound)
	return out
}
