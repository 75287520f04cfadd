package domain

// Travel directions an event can be scoped to. Bearings are degrees clockwise
// from true north.
const (
	DirectionNorthbound = "northbound"
	DirectionEastbound  = "eastbound"
	DirectionSouthbound = "southbound"
	DirectionWestbound  = "westbound"
)

var directionBearings = map[string]float64{
	DirectionNorthbound: 0,
	DirectionEastbound:  90,
	DirectionSouthbound: 180,
	DirectionWestbound:  270,
}

// DirectionBearing maps a directionality label to its reference bearing.
func DirectionBearing(direction string) (float64, bool) {
	bearing, ok := directionBearings[direction]
	return bearing, ok
}
