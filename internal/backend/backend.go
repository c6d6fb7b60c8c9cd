// Package backend selects and drives compositing backends.
//
// A bridge hands the registry an ordered preference list of Kinds. Each kind
// with a registered factory yields a Compositor, which a LayerManager then
// tries to initialize; the first success is kept for the surface's lifetime.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

var (
	// ErrBackendNotAvailable is returned when a backend cannot run in this
	// process (no factory, no device, invalid surface).
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when compositing before Initialize.
	ErrNotInitialized = errors.New("backend: not initialized")
)

// Kind identifies a compositing backend in a preference list.
type Kind int

const (
	// KindNone is filler in preference lists; it never constructs.
	KindNone Kind = iota
	// KindBasic is the software rasterizer.
	KindBasic
	// KindOpenGL is the GPU-backed compositor.
	KindOpenGL
	// KindD3D11 is a platform-specific GPU compositor.
	KindD3D11
)

var kindNames = map[Kind]string{
	KindNone:   "none",
	KindBasic:  "basic",
	KindOpenGL: "opengl",
	KindD3D11:  "d3d11",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind maps a backend name onto a Kind. "software" and "gpu" are accepted
// as aliases.
func ParseKind(value string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	switch name {
	case "software":
		return KindBasic, nil
	case "gpu", "gl":
		return KindOpenGL, nil
	}
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return KindNone, fmt.Errorf("unknown backend %q", value)
}

// ParseKinds parses a preference list, keeping its order.
func ParseKinds(values []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(values))
	for _, value := range values {
		kind, err := ParseKind(value)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Size is a surface size in device pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool { return s.Width > 0 && s.Height > 0 }

// TextureFactoryIdentifier tells the peer how to allocate textures the
// committed backend can consume.
type TextureFactoryIdentifier struct {
	Backend        Kind                   `json:"backend"`
	MaxTextureSize int                    `json:"max_texture_size"`
	Format         gputypes.TextureFormat `json:"format"`
	CompositorID   uint32                 `json:"compositor_id"`
}

// Layer is a flat, axis-aligned quad composited in submission order.
type Layer struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
	// Color is a hex string such as "#ff000080".
	Color string `json:"color"`
}

// Compositor is a compositing backend bound to one surface.
type Compositor interface {
	Kind() Kind
	// Initialize acquires backend resources. A failure leaves the compositor
	// unusable; the caller moves on to the next preference.
	Initialize() error
	SetCompositorID(id uint32)
	TextureFactoryIdentifier() TextureFactoryIdentifier
	// Composite draws layers into the surface, replacing the previous frame.
	Composite(layers []Layer) error
	Close()
}
