package subscription

// Summary is the view of a hosted subscription reported in heartbeats and
// served by the control plane.
type Summary struct {
	Name        string `json:"name" msgpack:"name"`
	Kind        string `json:"kind" msgpack:"kind"`
	Handler     string `json:"handler" msgpack:"handler"`
	Node        string `json:"node" msgpack:"node"`
	Fingerprint string `json:"fingerprint" msgpack:"fingerprint"`
	State       State  `json:"state" msgpack:"state"`
}

// Summary returns the current summary of s.
func (s *Subscription) Summary() Summary {
	return Summary{
		Name:        s.spec.Name,
		Kind:        s.kind,
		Handler:     s.spec.Handler,
		Node:        s.node,
		Fingerprint: s.fingerprint,
		State:       s.Snapshot(),
	}
}
