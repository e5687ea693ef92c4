// Package scenes finds the input rasters of a composite on disk.
package scenes

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultPattern matches GeoTIFF scenes.
const DefaultPattern = "*.tif"

// Scene is one candidate input raster.
type Scene struct {
	Path string `json:"path"`
	// Date is the acquisition date; zero when it could not be parsed.
	Date time.Time `json:"date,omitempty"`
}

func (s Scene) Dated() bool { return !s.Date.IsZero() }

// LocateFiles returns every file under root whose base name matches the
// shell pattern, in lexical order. Directories listed in exclude are not
// descended into.
func LocateFiles(root, pattern string, exclude ...string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && excluded(path, exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// Within reports whether path is dir or lies below it. Both are compared
// as absolute, cleaned paths.
func Within(path, dir string) bool {
	if dir == "" {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	d, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func excluded(path string, dirs []string) bool {
	for _, d := range dirs {
		if Within(path, d) {
			return true
		}
	}
	return false
}

// ParseLandsatDate reads the acquisition date from a Landsat scene ID file
// name, where characters 9 to 16 hold the year and day of year, as in
// LC80170342015142LGN00.
func ParseLandsatDate(path string) (time.Time, error) {
	name := filepath.Base(path)
	if len(name) < 16 {
		return time.Time{}, fmt.Errorf("%s: name too short for a scene id", name)
	}
	year, err := strconv.Atoi(name[9:13])
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: bad year %q", name, name[9:13])
	}
	doy, err := strconv.Atoi(name[13:16])
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: bad day of year %q", name, name[13:16])
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	if last := start.AddDate(1, 0, -1).YearDay(); doy < 1 || doy > last {
		return time.Time{}, fmt.Errorf("%s: day of year %d out of range", name, doy)
	}
	return start.AddDate(0, 0, doy-1), nil
}

// Collect removes duplicate paths and orders scenes by acquisition date.
// Undated scenes, or all of them when parseDates is false, keep their
// input order after the dated ones.
func Collect(paths []string, parseDates bool) []Scene {
	seen := map[string]bool{}
	var out []Scene
	for _, p := range paths {
		key := filepath.Clean(p)
		if abs, err := filepath.Abs(p); err == nil {
			key = abs
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		s := Scene{Path: p}
		if parseDates {
			if d, err := ParseLandsatDate(p); err == nil {
				s.Date = d
			}
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Dated() != b.Dated() {
			return a.Dated()
		}
		return a.Date.Before(b.Date)
	})
	return out
}

// Paths returns the scene paths in order.
func Paths(scenes []Scene) []string {
	out := make([]string, len(scenes))
	for i, s := range scenes {
		out[i] = s.Path
	}
	return out
}

// Scan locates scenes under root and collects them.
func Scan(root, pattern string, parseDates bool) ([]Scene, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	files, err := LocateFiles(root, pattern)
	if err != nil {
		return nil, err
	}
	return Collect(files, parseDates), nil
}

// Resolve combines explicit paths with the matches of pattern under dir
// (when dir is set) and returns them deduplicated and in scene order. The
// scan skips the directories in exclude; explicit paths are kept as given.
func Resolve(paths []string, dir, pattern string, parseDates bool, exclude ...string) ([]string, error) {
	files := append([]string(nil), paths...)
	if dir != "" {
		found, err := LocateFiles(dir, pattern, exclude...)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return Paths(Collect(files, parseDates)), nil
}
