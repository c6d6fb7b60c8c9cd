package backend

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gputypes"

	"github.com/cochaviz/composite/internal/logging"
)

// MaxAcceleratedTextureSize bounds surfaces the GPU compositor accepts.
const MaxAcceleratedTextureSize = 16384

// AcceleratedCompositor draws layers through the registered gg GPU
// accelerator. It only initializes when an accelerator is registered, which
// the server binary does by importing github.com/gogpu/gg/gpu.
type AcceleratedCompositor struct {
	logger *slog.Logger
	size   Size

	mu     sync.Mutex
	dc     *gg.Context
	accel  string
	id     uint32
	frames uint64
}

// NewAcceleratedCompositor returns an uninitialized GPU compositor.
func NewAcceleratedCompositor(size Size, logger *slog.Logger) *AcceleratedCompositor {
	return &AcceleratedCompositor{size: size, logger: logging.Ensure(logger)}
}

func (c *AcceleratedCompositor) Kind() Kind { return KindOpenGL }

func (c *AcceleratedCompositor) Initialize() error {
	accel := gg.Accelerator()
	if accel == nil {
		return fmt.Errorf("%w: no gpu accelerator registered", ErrBackendNotAvailable)
	}
	if !c.size.Valid() || c.size.Width > MaxAcceleratedTextureSize || c.size.Height > MaxAcceleratedTextureSize {
		return fmt.Errorf("%w: invalid surface %dx%d", ErrBackendNotAvailable, c.size.Width, c.size.Height)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dc = gg.NewContext(c.size.Width, c.size.Height)
	c.accel = accel.Name()
	c.logger.Debug("gpu compositor ready", "accelerator", c.accel, "width", c.size.Width, "height", c.size.Height)
	return nil
}

func (c *AcceleratedCompositor) SetCompositorID(id uint32) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *AcceleratedCompositor) TextureFactoryIdentifier() TextureFactoryIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TextureFactoryIdentifier{
		Backend:        KindOpenGL,
		MaxTextureSize: MaxAcceleratedTextureSize,
		Format:         gputypes.TextureFormatBGRA8Unorm,
		CompositorID:   c.id,
	}
}

func (c *AcceleratedCompositor) Composite(layers []Layer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil {
		return ErrNotInitialized
	}

	c.dc.ClearWithColor(gg.Transparent)
	for _, layer := range layers {
		if layer.Width <= 0 || layer.Height <= 0 {
			continue
		}
		c.dc.SetColor(layer.Paint().Color())
		c.dc.DrawRectangle(float64(layer.X), float64(layer.Y), float64(layer.Width), float64(layer.Height))
		if err := c.dc.Fill(); err != nil {
			return fmt.Errorf("fill layer: %w", err)
		}
	}
	if err := c.dc.FlushGPU(); err != nil {
		return fmt.Errorf("flush %s: %w", c.accel, err)
	}
	c.frames++
	return nil
}

// Frames returns the number of completed composites.
func (c *AcceleratedCompositor) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *AcceleratedCompositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil {
		return
	}
	if err := c.dc.Close(); err != nil {
		c.logger.Warn("closing gpu context", "error", err)
	}
	c.dc = nil
}
