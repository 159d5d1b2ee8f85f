package api

import (
	"time"
)

// DashboardEvent is the wrapper for every event sent to connected WebSocket
// clients. Generalized from the teacher's hand-typed FillEvent/OrderEvent/
// PositionEvent/KillEvent union into a thin pass-through of whatever
// internal/eventbus.Bus event type fired — "trade", "tradeFilled",
// "tradeCancelled", "botStarted", "botStopped", "botPaused", "botResumed",
// "botError", "signals", "signalSkipped", "snapshot" — so every producer
// across the Scheduler, Store, WhaleTracker, CopyTrader, and SwarmExecutor
// reaches the dashboard without a bespoke DTO per event type.
type DashboardEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}
