package types

// Viewport is the page's visible area in CSS pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DOMNode is one element from the driver's layout snapshot: identity,
// best-effort selector, computed position, and bounding box. The slice
// order is document order; Parent indexes into the same slice (-1 for
// the root).
type DOMNode struct {
	Index    int     `json:"index"`
	Parent   int     `json:"parent"`
	Tag      string  `json:"tag"`
	ID       string  `json:"id"`
	Classes  string  `json:"classes"`
	Text     string  `json:"text"`
	Selector string  `json:"selector"`
	Position string  `json:"position"` // computed style position
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Visible  bool    `json:"visible"`
}
