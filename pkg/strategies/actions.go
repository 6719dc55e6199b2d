package strategies

// Action types proposed by the built-in strategies.
const (
	ActionNop                    = "nop"
	ActionSleep                  = "sleep"
	ActionMigrate                = "migrate"
	ActionChangeNovaServiceState = "change_nova_service_state"
	ActionResize                 = "resize"
	ActionChangeNodePowerState   = "change_node_power_state"
)

// DefaultWeights orders action types inside a plan; heavier types run first.
// Types missing from the map weigh zero.
var DefaultWeights = map[string]int{
	ActionNop:                    70,
	ActionChangeNovaServiceState: 50,
	ActionSleep:                  40,
	ActionChangeNodePowerState:   60,
	ActionMigrate:                30,
	ActionResize:                 20,
}
