package core

// State is a lifecycle stage of the Service.
type State int

const (
	Uninitialized State = iota
	DatabaseReady
	BusesRegistered
	RoutesBound
	Running
	ShuttingDown
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case DatabaseReady:
		return "database_ready"
	case BusesRegistered:
		return "buses_registered"
	case RoutesBound:
		return "routes_bound"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
