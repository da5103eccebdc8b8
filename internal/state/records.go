package state

// PeerRecord is the shared presence state for one participant. Any
// participant may write any record; a mutation always replaces the whole
// record, never individual fields.
type PeerRecord struct {
	DisplayName string  `msgpack:"displayName"`
	X           float64 `msgpack:"x"`
	Y           float64 `msgpack:"y"`
	Muted       bool    `msgpack:"muted"`
	CameraOff   bool    `msgpack:"cameraOff"`
	Status      string  `msgpack:"status"`
}

// ShareRecord describes one active screen share.
type ShareRecord struct {
	Owner       string  `msgpack:"owner"`
	DisplayName string  `msgpack:"displayName"`
	X           float64 `msgpack:"x"`
	Y           float64 `msgpack:"y"`
	Width       float64 `msgpack:"width"`
	Height      float64 `msgpack:"height"`
}

// DocMeta is the geometry and styling of a collaborative document. The
// text body lives in the document's character sequence, not here.
type DocMeta struct {
	X          float64 `msgpack:"x"`
	Y          float64 `msgpack:"y"`
	Width      float64 `msgpack:"width"`
	Height     float64 `msgpack:"height"`
	FontSize   float64 `msgpack:"fontSize"`
	FontFamily string  `msgpack:"fontFamily"`
	Color      string  `msgpack:"color"`
}

// DocumentSnapshot is the observer-facing view of one document.
type DocumentSnapshot struct {
	Meta    DocMeta
	Content string
}

// Snapshot is a deep copy of the store's visible contents, pushed to
// observers on every change. Consumers re-derive diffs themselves.
type Snapshot struct {
	Peers     map[string]PeerRecord
	Shares    map[string]ShareRecord
	Documents map[string]DocumentSnapshot
}
