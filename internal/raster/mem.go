package raster

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// MemDataset is a raster held in memory, one slice per band.
type MemDataset struct {
	Geom Geometry
	Data [][]float64

	// GeometryErr and ReadErr force failures, for callers that need to
	// exercise error paths.
	GeometryErr error
	ReadErr     error
}

// NewMemDataset allocates a dataset with every pixel set to fill.
func NewMemDataset(geom Geometry, fill float64) *MemDataset {
	data := make([][]float64, geom.Bands)
	for b := range data {
		data[b] = make([]float64, geom.Width*geom.Height)
		if fill != 0 {
			for i := range data[b] {
				data[b][i] = fill
			}
		}
	}
	return &MemDataset{Geom: geom, Data: data}
}

// Set writes one pixel of a band (1-based).
func (m *MemDataset) Set(band, col, row int, v float64) {
	m.Data[band-1][row*m.Geom.Width+col] = v
}

// SetPixel writes the whole band stack of one pixel.
func (m *MemDataset) SetPixel(col, row int, values ...float64) {
	for b, v := range values {
		m.Set(b+1, col, row, v)
	}
}

func (m *MemDataset) Geometry() (Geometry, error) {
	if m.GeometryErr != nil {
		return Geometry{}, m.GeometryErr
	}
	return m.Geom, nil
}

func (m *MemDataset) Read(band int, win Window) ([]float64, error) {
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if band < 1 || band > len(m.Data) {
		return nil, fmt.Errorf("band %d out of range [1,%d]", band, len(m.Data))
	}
	if !win.Rect().In(m.Geom.Extent().Rect()) {
		return nil, fmt.Errorf("window %s outside %dx%d raster", win, m.Geom.Width, m.Geom.Height)
	}
	src := m.Data[band-1]
	out := make([]float64, win.Size())
	for r := 0; r < win.Height; r++ {
		start := (win.YOff+r)*m.Geom.Width + win.XOff
		copy(out[r*win.Width:(r+1)*win.Width], src[start:start+win.Width])
	}
	return out, nil
}

func (m *MemDataset) Close() error { return nil }

// MemOpener serves MemDatasets by path and counts opens.
type MemOpener struct {
	mu       sync.RWMutex
	datasets map[string]*MemDataset
	failures map[string]error
	opens    atomic.Int64
}

func NewMemOpener() *MemOpener {
	return &MemOpener{
		datasets: make(map[string]*MemDataset),
		failures: make(map[string]error),
	}
}

// Add registers ds under path.
func (o *MemOpener) Add(path string, ds *MemDataset) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.datasets[path] = ds
}

// Fail makes every Open of path return err.
func (o *MemOpener) Fail(path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[path] = err
}

func (o *MemOpener) Open(path string) (Dataset, error) {
	o.opens.Add(1)
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err, ok := o.failures[path]; ok {
		return nil, err
	}
	ds, ok := o.datasets[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return ds, nil
}

// Opens is the number of Open calls so far.
func (o *MemOpener) Opens() int64 { return o.opens.Load() }
