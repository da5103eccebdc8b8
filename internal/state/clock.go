package state

// Clock is a Lamport timestamp qualified by the replica that produced it.
// Two clocks are never equal across replicas, so comparing them yields a
// total order usable for last-write-wins merges.
type Clock struct {
	Counter uint64 `msgpack:"c"`
	Replica string `msgpack:"r"`
}

// Less reports whether c is ordered before o. Counter dominates; the
// replica identifier breaks ties so that all replicas agree on a winner.
func (c Clock) Less(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter < o.Counter
	}
	return c.Replica < o.Replica
}
