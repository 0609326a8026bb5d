package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionEventRouted         = "event.routed"
	ActionEventFailed         = "event.failed"
	ActionStepSkipped         = "step.skipped"
	ActionClientConnected     = "client.connected"
	ActionClientDisconnected  = "client.disconnected"
	ActionClientRejected      = "client.rejected"
	ActionClientRateLimited   = "client.rate_limited"
	ActionMessageDeadLettered = "message.dead_lettered"
	ActionChannelReconnected  = "channel.reconnected"
)

// Audit event categories group related actions.
const (
	CategoryRouting    = "switchboard.routing"
	CategoryConnection = "switchboard.connection"
	CategoryBus        = "switchboard.bus"
	CategoryStore      = "switchboard.store"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceEvent    = "event"
	ResourceInstance = "workflow_instance"
	ResourceSession  = "session"
	ResourceMessage  = "bus_message"
	ResourceChannel  = "store_channel"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionEventRouted,
		ActionEventFailed,
		ActionStepSkipped,
		ActionClientConnected,
		ActionClientDisconnected,
		ActionClientRejected,
		ActionClientRateLimited,
		ActionMessageDeadLettered,
		ActionChannelReconnected,
	}
}
