package metrics

import "expvar"

var (
	TicksProcessed  = expvar.NewInt("ticks_processed")
	TriggersFired   = expvar.NewInt("triggers_fired")
	OrdersFilled    = expvar.NewInt("orders_filled")
	OrdersRejected  = expvar.NewInt("orders_rejected")
	PositionsClosed = expvar.NewInt("positions_closed")
	RiskCloses      = expvar.NewInt("risk_closes")
	StaleRejects    = expvar.NewInt("stale_rejects")
	PublishDrops    = expvar.NewInt("publish_drops")
	PersistErrors   = expvar.NewInt("persist_errors")
	SnapshotSaves   = expvar.NewInt("snapshot_saves")
	SnapshotLoads   = expvar.NewInt("snapshot_loads")
)
