package domain

// Leg identifies one side of a spot/perpetual pair.
type Leg string

const (
	LegSpot   Leg = "spot"
	LegFuture Leg = "future"
)

// Direction is the phase of a basis trade.
type Direction string

const (
	DirectionEntry Direction = "entry" // buy spot, sell perpetual
	DirectionExit  Direction = "exit"  // sell spot, buy back perpetual
)

// Sides returns the order side of each leg for the direction.
func (d Direction) Sides() (spot, future OrderSide) {
	if d == DirectionExit {
		return OrderSideSell, OrderSideBuy
	}
	return OrderSideBuy, OrderSideSell
}
