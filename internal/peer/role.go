package peer

// Polite reports whether the local side takes the polite role for the
// (local, remote) pairing. The textually smaller identifier is impolite.
// Both sides compute the same answer independently, so the role never
// needs negotiating: Polite(a, b) == !Polite(b, a) for distinct IDs.
func Polite(localID, remoteID string) bool {
	return localID > remoteID
}
