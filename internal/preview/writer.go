package preview

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"compositor/internal/engine"
)

// Write renders bands of out as an RGB PNG at path.
func Write(path string, out *engine.Output, bands [3]int) error {
	pix, err := RGB(out, bands)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create preview dir: %w", err)
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	w, h := uint(out.Geometry.Width), uint(out.Geometry.Height)
	if err := mw.ConstituteImage(w, h, "RGB", imagick.PIXEL_CHAR, pix); err != nil {
		return fmt.Errorf("build preview image: %w", err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return fmt.Errorf("set preview format: %w", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write preview %s: %w", path, err)
	}
	return nil
}
