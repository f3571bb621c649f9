package viewer

// AutoScrollThreshold is how close to the bottom, in layout units, the viewport
// must be for new messages to scroll it.
const AutoScrollThreshold = 100

// ScrollState is a snapshot of a scrollable message list. Offset is the distance
// from the top of the content to the top of the viewport.
type ScrollState struct {
	Offset         float64
	ViewportHeight float64
	ContentHeight  float64
}

func (s ScrollState) DistanceFromBottom() float64 {
	distance := s.ContentHeight - s.ViewportHeight - s.Offset
	if distance < 0 {
		return 0
	}
	return distance
}

func (s ScrollState) NearBottom(threshold float64) bool {
	return s.DistanceFromBottom() <= threshold
}

// ShouldAutoScroll reports whether an incoming message should pull the view to
// the bottom. A reader scrolled up into history is left alone.
func (s ScrollState) ShouldAutoScroll() bool {
	return s.NearBottom(AutoScrollThreshold)
}

// AnchorOffset returns the offset that keeps the first visible row in place after
// older content was inserted above it and the content grew to newContentHeight.
func AnchorOffset(before ScrollState, newContentHeight float64) float64 {
	return before.Offset + (newContentHeight - before.ContentHeight)
}

// BottomOffset is the offset that shows the end of the content.
func BottomOffset(s ScrollState) float64 {
	offset := s.ContentHeight - s.ViewportHeight
	if offset < 0 {
		return 0
	}
	return offset
}
