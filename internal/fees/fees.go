// Package fees содержит расчёт распределения средств при высвобождении этапа.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount возвращается при неположительной сумме или отрицательном остатке получателю.
var ErrInvalidAmount = errors.New("invalid settlement amount")

// minUnitPlaces задаёт минимальную единицу учёта леджера: два знака после запятой.
const minUnitPlaces = 2

// Policy описывает параметры распределения: проценты комиссий и фиксированные удержания.
type Policy struct {
	PlatformFeePct decimal.Decimal
	ReservePoolPct decimal.Decimal
	FixedDeduction decimal.Decimal
}

// NewPolicy создаёт политику распределения из конфигурационных значений.
func NewPolicy(platformFeePct, reservePoolPct, fixedDeduction float64) Policy {
	return Policy{
		PlatformFeePct: decimal.NewFromFloat(platformFeePct),
		ReservePoolPct: decimal.NewFromFloat(reservePoolPct),
		FixedDeduction: decimal.NewFromFloat(fixedDeduction),
	}
}

// Breakdown описывает распределение валовой суммы между комиссиями и получателем.
type Breakdown struct {
	GrossAmount    decimal.Decimal
	PlatformFee    decimal.Decimal
	ReservePoolFee decimal.Decimal
	NetToRecipient decimal.Decimal
}

// Compute рассчитывает распределение валовой суммы. Функция чистая и
// детерминированная: одинаковый вход даёт побитово одинаковый результат.
//
// Каждая комиссия округляется вниз до минимальной единицы леджера; остаток
// округления добавляется к платформенной комиссии, а не к сумме получателя,
// поэтому PlatformFee + ReservePoolFee + NetToRecipient + FixedDeduction
// всегда в точности равна GrossAmount.
func Compute(gross decimal.Decimal, p Policy) (Breakdown, error) {
	if gross.LessThanOrEqual(decimal.Zero) {
		return Breakdown{}, ErrInvalidAmount
	}

	platformFee := gross.Mul(p.PlatformFeePct).RoundFloor(minUnitPlaces)
	reserveFee := gross.Mul(p.ReservePoolPct).RoundFloor(minUnitPlaces)

	net := gross.Sub(platformFee).Sub(reserveFee).Sub(p.FixedDeduction)
	if net.LessThan(decimal.Zero) {
		return Breakdown{}, ErrInvalidAmount
	}

	// Остаток от округления суммы получателя уходит в платформенную комиссию.
	netFloored := net.RoundFloor(minUnitPlaces)
	platformFee = platformFee.Add(net.Sub(netFloored))

	return Breakdown{
		GrossAmount:    gross,
		PlatformFee:    platformFee,
		ReservePoolFee: reserveFee,
		NetToRecipient: netFloored,
	}, nil
}
