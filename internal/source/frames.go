package source

import (
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

var frameExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".webp"}

// FrameDir replays a directory of still images as a video channel, one
// image per Frame call, in lexical filename order.
type FrameDir struct {
	mu     sync.Mutex
	files  []string
	next   int
	loop   bool
	closed bool
}

func NewFrameDir(dir string, loop bool) (*FrameDir, error) {
	errFactory := errors.New()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if slices.Contains(frameExtensions, ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}

	if len(files) == 0 {
		return nil, errFactory.WithData(errors.ErrSourceUnavailable,
			fmt.Sprintf("no image files in %s", dir))
	}

	slices.Sort(files)

	return &FrameDir{files: files, loop: loop}, nil
}

// Len returns the number of frames in the sequence.
func (f *FrameDir) Len() int {
	return len(f.files)
}

// Frame decodes the next image. A file that fails to decode is reported as
// not ready and skipped; the end of a non-looping sequence is reported as
// unavailable.
func (f *FrameDir) Frame() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, Unavailable("frame directory closed")
	}

	if f.next >= len(f.files) {
		if !f.loop {
			return nil, Unavailable("end of frame sequence")
		}
		f.next = 0
	}

	path := f.files[f.next]
	f.next++

	img, err := decodeFile(path)
	if err != nil {
		return nil, NotReady(fmt.Sprintf("decode %s: %v", filepath.Base(path), err))
	}

	return img, nil
}

func (f *FrameDir) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func decodeFile(path string) (image.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)

	return img, err
}
