package utils

// math.go - математические утилиты для расчёта спредов, проскальзывания
// и распределения объёма, используемые поверх decimal-типов домена для
// быстрых оценочных расчётов (UI, бэктесты, логирование).

import "math"

// roundEpsilon компенсирует погрешность float64 при делении на lotSize -
// без неё 0.25/0.001 округляется вниз до 0.249 вместо 0.25.
const roundEpsilon = 1e-9

// RoundToLotSize округляет value вниз до ближайшего кратного lotSize.
// lotSize <= 0 считается отсутствием шага и возвращает value как есть.
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 || value == 0 {
		return value
	}
	steps := math.Floor(value/lotSize + roundEpsilon)
	return steps * lotSize
}

// RoundToLotSizeUp округляет value вверх до ближайшего кратного lotSize.
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 || value == 0 {
		return value
	}
	steps := math.Ceil(value/lotSize - roundEpsilon)
	return steps * lotSize
}

// RoundToLotSizeNearest округляет value до ближайшего кратного lotSize
// (половина округляется вверх).
func RoundToLotSizeNearest(value, lotSize float64) float64 {
	if lotSize <= 0 || value == 0 {
		return value
	}
	steps := math.Floor(value/lotSize + 0.5 + roundEpsilon)
	return steps * lotSize
}

// CalculateSpread считает спред в процентах между высокой и низкой ценой:
// (priceHigh - priceLow) / priceLow * 100. priceLow <= 0 даёт 0 (не 1/0).
func CalculateSpread(priceHigh, priceLow float64) float64 {
	if priceLow <= 0 {
		return 0
	}
	return (priceHigh - priceLow) / priceLow * 100
}

// CalculateSpreadFromPrices считает спред между двумя ценами вне
// зависимости от того, какая из них выше.
func CalculateSpreadFromPrices(priceA, priceB float64) float64 {
	hi, lo := priceA, priceB
	if priceB > priceA {
		hi, lo = priceB, priceA
	}
	return CalculateSpread(hi, lo)
}

// CalculateNetSpread вычитает из спреда (в процентах) комиссии обеих ног,
// взятые каждая по входу и выходу (поэтому умножение на 2). feeA/feeB -
// доли (0.0004 = 0.04%), не проценты.
func CalculateNetSpread(spreadPct, feeA, feeB float64) float64 {
	return spreadPct - 2*(feeA+feeB)*100
}

// CalculateNetSpreadDirect - комбинация CalculateSpread и CalculateNetSpread
// напрямую по ценам.
func CalculateNetSpreadDirect(priceHigh, priceLow, feeA, feeB float64) float64 {
	return CalculateNetSpread(CalculateSpread(priceHigh, priceLow), feeA, feeB)
}

// CalculateWeightedAverage считает средневзвешенное значений по весам.
// Записи с неположительным весом игнорируются. Несовпадающая длина или
// нулевая суммарная масса даёт 0.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(weights) == 0 || len(values) != len(weights) {
		return 0
	}
	var sumValue, sumWeight float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		sumValue += values[i] * w
		sumWeight += w
	}
	if sumWeight == 0 {
		return 0
	}
	return sumValue / sumWeight
}

// OrderBookLevel - один уровень стакана ордеров для симуляции исполнения.
type OrderBookLevel struct {
	Price  float64
	Volume float64
}

// SimulateMarketBuy эмулирует маркет-покупку по уровням стакана (asks,
// отсортированы от лучшей цены), возвращая среднюю цену исполнения,
// фактически заполненный объём (может быть меньше targetVolume при
// нехватке ликвидности) и проскальзывание в процентах от лучшей цены.
func SimulateMarketBuy(asks []OrderBookLevel, targetVolume float64) (avgPrice, filled, slippagePct float64) {
	return walkOrderBook(asks, targetVolume)
}

// SimulateMarketSell эмулирует маркет-продажу по уровням стакана (bids,
// отсортированы от лучшей цены); алгоритм симметричен SimulateMarketBuy.
func SimulateMarketSell(bids []OrderBookLevel, targetVolume float64) (avgPrice, filled, slippagePct float64) {
	return walkOrderBook(bids, targetVolume)
}

func walkOrderBook(levels []OrderBookLevel, targetVolume float64) (avgPrice, filled, slippagePct float64) {
	if len(levels) == 0 || targetVolume <= 0 {
		return 0, 0, 0
	}

	best := levels[0].Price
	remaining := targetVolume
	var totalCost, totalFilled float64

	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := lvl.Volume
		if take > remaining {
			take = remaining
		}
		totalCost += take * lvl.Price
		totalFilled += take
		remaining -= take
	}

	if totalFilled == 0 {
		return 0, 0, 0
	}

	avgPrice = totalCost / totalFilled
	filled = totalFilled
	if best > 0 {
		slippagePct = (avgPrice - best) / best * 100
	}
	return avgPrice, filled, slippagePct
}

// CalculatePNL считает P&L одной ноги позиции. side - "long" или "short",
// любое другое значение даёт 0.
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	switch side {
	case "long":
		return (currentPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// CalculateTotalPNL считает суммарный P&L арбитражной пары ног (long+short).
func CalculateTotalPNL(longEntry, longExit, shortEntry, shortExit, quantity float64) float64 {
	return CalculatePNL("long", longEntry, longExit, quantity) + CalculatePNL("short", shortEntry, shortExit, quantity)
}

// SplitVolume делит totalVolume на nParts равных частей, каждая округлена
// вниз до lotSize. nParts <= 0 или totalVolume <= 0 дают nil.
func SplitVolume(totalVolume float64, nParts int, lotSize float64) []float64 {
	if nParts <= 0 || totalVolume <= 0 {
		return nil
	}
	part := RoundToLotSize(totalVolume/float64(nParts), lotSize)
	parts := make([]float64, nParts)
	for i := range parts {
		parts[i] = part
	}
	return parts
}

// IsSpreadSufficient проверяет, достиг ли спред порога входа.
func IsSpreadSufficient(spread, threshold float64) bool {
	return spread >= threshold
}

// ShouldExit проверяет, упал ли спред до порога выхода или ниже.
func ShouldExit(spread, exitThreshold float64) bool {
	return spread <= exitThreshold
}

// IsStopLossHit проверяет, достигнут ли стоп-лосс. stopLoss == 0 означает
// отключённый стоп-лосс - всегда false.
func IsStopLossHit(pnl, stopLoss float64) bool {
	if stopLoss == 0 {
		return false
	}
	return pnl <= -stopLoss
}

// Clamp ограничивает value диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
