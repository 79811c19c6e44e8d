package framebroker

// Stats is an operational snapshot of a Broker.
//
// Dropped counts frames replaced before any reader took them. In a healthy
// preview Dropped grows whenever the camera outpaces the display; it is a
// load indicator, not an error.
type Stats struct {
	Published   uint64 // Publish calls with a non-nil frame
	Overwritten uint64 // frames replaced by a newer one
	Dropped     uint64 // replaced frames no reader ever saw
	Reads       uint64 // TryTake calls that returned a frame
	EmptyReads  uint64 // TryTake calls on an empty slot

	HasFrame bool
	LastSeq  uint64 // Seq of the frame currently in the slot
}

// DropRate returns Dropped/Published, or 0 before the first publish.
func (s Stats) DropRate() float64 {
	if s.Published == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(s.Published)
}
