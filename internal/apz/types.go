// Package apz holds the asynchronous pan/zoom vocabulary shared by the hit
// tester and the content repaint controller, plus a small rectangular hit
// tester used by the host binary.
package apz

import "fmt"

// ScrollableLayerGuid identifies one scrollable region across processes.
type ScrollableLayerGuid struct {
	LayersID    uint64 `json:"layers_id"`
	PresShellID uint32 `json:"pres_shell_id"`
	ScrollID    uint64 `json:"scroll_id"`
}

func (g ScrollableLayerGuid) String() string {
	return fmt.Sprintf("{%d,%d,%d}", g.LayersID, g.PresShellID, g.ScrollID)
}

// CSSPoint is a point in CSS pixels.
type CSSPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CSSSize is a size in CSS pixels.
type CSSSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CSSRect is an axis-aligned rectangle in CSS pixels.
type CSSRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether p lies inside the rectangle, edges included.
func (r CSSRect) Contains(p CSSPoint) bool {
	return p.X >= r.X && p.X <= r.X+r.Width &&
		p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Size returns the rectangle's extent.
func (r CSSRect) Size() CSSSize { return CSSSize{Width: r.Width, Height: r.Height} }

// FrameMetrics describes the scroll state the content side should repaint.
type FrameMetrics struct {
	Guid              ScrollableLayerGuid `json:"guid"`
	CompositionBounds CSSRect             `json:"composition_bounds"`
	ScrollableSize    CSSSize             `json:"scrollable_size"`
	ScrollOffset      CSSPoint            `json:"scroll_offset"`
	Zoom              float64             `json:"zoom"`
	ScrollGeneration  uint32              `json:"scroll_generation"`
	IsRoot            bool                `json:"is_root"`
}

// Modifiers is a bitmask of keyboard modifiers held during a gesture.
type Modifiers uint8

const (
	ModShift Modifiers = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// InputKind is the kind of input event fed to a hit tester.
type InputKind int

const (
	InputTap InputKind = iota
	InputDoubleTap
	InputLongTap
	InputScroll
)

var inputKindNames = [...]string{"tap", "double_tap", "long_tap", "scroll"}

func (k InputKind) String() string {
	if k >= 0 && int(k) < len(inputKindNames) {
		return inputKindNames[k]
	}
	return fmt.Sprintf("input(%d)", int(k))
}

// InputEvent is an already-recognized gesture or scroll delta in screen
// space, which is CSS space at zoom 1.
type InputEvent struct {
	Kind      InputKind `json:"kind"`
	Point     CSSPoint  `json:"point"`
	Delta     CSSPoint  `json:"delta"`
	Modifiers Modifiers `json:"modifiers"`
}

// EventStatus is the hit tester's verdict on an input event.
type EventStatus int

const (
	// StatusIgnore means no region took the event.
	StatusIgnore EventStatus = iota
	// StatusConsumeNoDefault means the event was consumed and must not reach
	// content.
	StatusConsumeNoDefault
	// StatusConsumeDoDefault means the event was consumed and content should
	// still see it.
	StatusConsumeDoDefault
)

func (s EventStatus) String() string {
	switch s {
	case StatusIgnore:
		return "ignore"
	case StatusConsumeNoDefault:
		return "consume_no_default"
	case StatusConsumeDoDefault:
		return "consume_do_default"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// InputTarget names the region an event was delivered to and the input block
// it opened.
type InputTarget struct {
	Guid         ScrollableLayerGuid `json:"guid"`
	InputBlockID uint64              `json:"input_block_id"`
}
