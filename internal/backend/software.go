package backend

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/scene"
	"github.com/gogpu/gputypes"

	"github.com/cochaviz/composite/internal/logging"
)

// MaxSoftwareTextureSize bounds surfaces the software compositor accepts.
const MaxSoftwareTextureSize = 8192

// SoftwareCompositor rasterizes layers on the CPU into a pixmap.
type SoftwareCompositor struct {
	logger *slog.Logger
	size   Size

	mu       sync.Mutex
	renderer *scene.Renderer
	target   *gg.Pixmap
	scene    *scene.Scene
	id       uint32
	frames   uint64
}

// NewSoftwareCompositor returns an uninitialized software compositor.
func NewSoftwareCompositor(size Size, logger *slog.Logger) *SoftwareCompositor {
	return &SoftwareCompositor{size: size, logger: logging.Ensure(logger)}
}

func (c *SoftwareCompositor) Kind() Kind { return KindBasic }

func (c *SoftwareCompositor) Initialize() error {
	if !c.size.Valid() || c.size.Width > MaxSoftwareTextureSize || c.size.Height > MaxSoftwareTextureSize {
		return fmt.Errorf("%w: invalid surface %dx%d", ErrBackendNotAvailable, c.size.Width, c.size.Height)
	}

	renderer := scene.NewRenderer(c.size.Width, c.size.Height)
	if renderer == nil {
		return fmt.Errorf("%w: no renderer for %dx%d", ErrBackendNotAvailable, c.size.Width, c.size.Height)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderer = renderer
	c.target = gg.NewPixmap(c.size.Width, c.size.Height)
	c.scene = scene.NewScene()
	c.logger.Debug("software compositor ready", "width", c.size.Width, "height", c.size.Height)
	return nil
}

func (c *SoftwareCompositor) SetCompositorID(id uint32) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *SoftwareCompositor) TextureFactoryIdentifier() TextureFactoryIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TextureFactoryIdentifier{
		Backend:        KindBasic,
		MaxTextureSize: MaxSoftwareTextureSize,
		Format:         gputypes.TextureFormatRGBA8Unorm,
		CompositorID:   c.id,
	}
}

func (c *SoftwareCompositor) Composite(layers []Layer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renderer == nil {
		return ErrNotInitialized
	}

	c.scene.Reset()
	c.target.Clear(gg.Transparent)
	for _, layer := range layers {
		if layer.Width <= 0 || layer.Height <= 0 {
			continue
		}
		c.scene.Fill(scene.FillNonZero, scene.IdentityAffine(),
			scene.SolidBrush(layer.Paint()),
			scene.NewRectShape(layer.X, layer.Y, layer.Width, layer.Height))
	}
	if err := c.renderer.Render(c.target, c.scene); err != nil {
		return fmt.Errorf("render scene: %w", err)
	}
	c.frames++
	return nil
}

// Frames returns the number of completed composites.
func (c *SoftwareCompositor) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Pixel returns the composited color at x, y.
func (c *SoftwareCompositor) Pixel(x, y int) gg.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return gg.Transparent
	}
	return c.target.GetPixel(x, y)
}

// Snapshot copies the last composited frame.
func (c *SoftwareCompositor) Snapshot() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return nil
	}
	return c.target.ToImage()
}

func (c *SoftwareCompositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renderer != nil {
		c.renderer.Close()
		c.renderer = nil
	}
	c.target = nil
	c.scene = nil
}

// Paint parses the layer color. An empty color paints opaque white.
func (l Layer) Paint() gg.RGBA {
	if l.Color == "" {
		return gg.White
	}
	return gg.Hex(l.Color)
}
