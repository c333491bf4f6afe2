package model

import "time"

// Action is the rate-limiter dimension: what kind of request a principal
// is making.
type Action string

const (
	ActionTrade  Action = "TRADE"
	ActionOrder  Action = "ORDER"
	ActionUpdate Action = "UPDATE"
	ActionQuery  Action = "QUERY"
)

// Valid reports whether a is one of the known action kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionTrade, ActionOrder, ActionUpdate, ActionQuery:
		return true
	default:
		return false
	}
}

// Window is a fixed-length counting interval.
type Window string

const (
	WindowSecond Window = "per_second"
	WindowMinute Window = "per_minute"
	WindowHour   Window = "per_hour"
	WindowDay    Window = "per_day"
)

// Windows lists all counting windows smallest first; the limiter checks
// them in this order.
var Windows = []Window{WindowSecond, WindowMinute, WindowHour, WindowDay}

// Duration returns the wall-clock length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Second
	}
}
