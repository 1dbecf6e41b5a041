// Package filter defines the panel filter dimensions, their defaults, and the
// wire codec used for interactive control tokens.
package filter

// TimeWindow selects how far back the rendered stats reach.
type TimeWindow string

// QueueMode selects which queue the rendered stats cover.
type QueueMode string

// GroupSize selects the party-size bucket the rendered stats cover.
type GroupSize string

const (
	TimeAll    TimeWindow = "all"
	TimeWeek   TimeWindow = "week"
	TimeSeason TimeWindow = "season"

	QueueSolo  QueueMode = "solo"
	QueueGroup QueueMode = "group"
	QueueBoth  QueueMode = "both"

	SizeSmall GroupSize = "small"
	SizeLarge GroupSize = "large"
	SizeBoth  GroupSize = "both"
)

// State is the immutable filter tuple for one panel. Compared by equality
// only; there is no ordering between states.
type State struct {
	Time  TimeWindow `json:"time"`
	Queue QueueMode  `json:"queue"`
	Size  GroupSize  `json:"size"`
}

// Default returns the filter state a fresh panel starts with.
func Default() State {
	return State{Time: TimeAll, Queue: QueueBoth, Size: SizeBoth}
}

// TimeWindows lists the legal time window values.
func TimeWindows() []TimeWindow { return []TimeWindow{TimeAll, TimeWeek, TimeSeason} }

// QueueModes lists the legal queue mode values.
func QueueModes() []QueueMode { return []QueueMode{QueueSolo, QueueGroup, QueueBoth} }

// GroupSizes lists the legal group size values.
func GroupSizes() []GroupSize { return []GroupSize{SizeSmall, SizeLarge, SizeBoth} }

// ParseTimeWindow maps a raw value to a TimeWindow, falling back to the
// dimension default on anything unrecognized.
func ParseTimeWindow(raw string) TimeWindow {
	switch TimeWindow(raw) {
	case TimeAll, TimeWeek, TimeSeason:
		return TimeWindow(raw)
	default:
		return TimeAll
	}
}

// ParseQueueMode maps a raw value to a QueueMode, falling back to the
// dimension default on anything unrecognized.
func ParseQueueMode(raw string) QueueMode {
	switch QueueMode(raw) {
	case QueueSolo, QueueGroup, QueueBoth:
		return QueueMode(raw)
	default:
		return QueueBoth
	}
}

// ParseGroupSize maps a raw value to a GroupSize, falling back to the
// dimension default on anything unrecognized.
func ParseGroupSize(raw string) GroupSize {
	switch GroupSize(raw) {
	case SizeSmall, SizeLarge, SizeBoth:
		return GroupSize(raw)
	default:
		return SizeBoth
	}
}

// FromPreferences builds a State from raw stored preference values,
// tolerating unknown or missing fields the same way Decode does.
func FromPreferences(timeWindow, queueMode, groupSize string) State {
	return State{
		Time:  ParseTimeWindow(timeWindow),
		Queue: ParseQueueMode(queueMode),
		Size:  ParseGroupSize(groupSize),
	}
}

// snapshotInvalidating tags each dimension with whether changing it requires
// a fresh upstream fetch. Time and Queue change which matches the provider
// must return; Size is a display grouping applied at render time. The rule is
// direction-free: narrowing and widening a dimension consult the same table.
var snapshotInvalidating = map[string]bool{
	"time":  true,
	"queue": true,
	"size":  false,
}

// Invalidates reports whether moving from the snapshot's fetch scope to the
// intended state requires a fresh upstream fetch. A context-id change is
// handled by the caller (it always invalidates).
func Invalidates(fetchedFor, intended State) bool {
	if snapshotInvalidating["time"] && fetchedFor.Time != intended.Time {
		return true
	}
	if snapshotInvalidating["queue"] && fetchedFor.Queue != intended.Queue {
		return true
	}
	if snapshotInvalidating["size"] && fetchedFor.Size != intended.Size {
		return true
	}
	return false
}

// Control is one interactive filter button on a panel. Token round-trips
// through Encode/Decode; Active marks the currently selected value.
type Control struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
	Token     string `json:"token"`
	Active    bool   `json:"active"`
}

// Controls enumerates the full control row for a panel showing state. Each
// control's token encodes the visible state with exactly one dimension
// swapped, so pressing a button changes that dimension and preserves the
// rest by construction.
func Controls(state State, contextID string) []Control {
	controls := make([]Control, 0, 9)
	for _, tw := range TimeWindows() {
		next := state
		next.Time = tw
		controls = append(controls, Control{
			Dimension: "time",
			Value:     string(tw),
			Token:     Encode(next, contextID),
			Active:    tw == state.Time,
		})
	}
	for _, qm := range QueueModes() {
		next := state
		next.Queue = qm
		controls = append(controls, Control{
			Dimension: "queue",
			Value:     string(qm),
			Token:     Encode(next, contextID),
			Active:    qm == state.Queue,
		})
	}
	for _, gs := range GroupSizes() {
		next := state
		next.Size = gs
		controls = append(controls, Control{
			Dimension: "size",
			Value:     string(gs),
			Token:     Encode(next, contextID),
			Active:    gs == state.Size,
		})
	}
	return controls
}
