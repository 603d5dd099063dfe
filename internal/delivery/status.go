package delivery

// Status is a message's delivery state. The order is total: sent <
// delivered < read. Reductions take the maximum of the current and
// incoming status, which makes them idempotent, commutative, and safe to
// apply regardless of whether the source is an optimistic local
// transition or a server confirmation.
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

var statusNames = map[Status]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a wire status string to a Status. ok is false for
// anything outside the known set.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	}
	return StatusSent, false
}

// merge returns the maximum of two statuses. A status never regresses.
func merge(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}
