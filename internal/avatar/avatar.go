// Package avatar generates placeholder avatars and moves them from temporary
// to permanent storage under a media root.
package avatar

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	tmpDir       = "tmp"
	permanentDir = "avatars"
	size         = 128
)

// ErrOutsideStore is returned for paths that do not belong to the store.
var ErrOutsideStore = errors.New("avatar path is outside the media root")

var palette = []color.RGBA{
	{0x1e, 0x88, 0xe5, 0xff},
	{0x43, 0xa0, 0x47, 0xff},
	{0xe5, 0x39, 0x35, 0xff},
	{0x8e, 0x24, 0xaa, 0xff},
	{0xfb, 0x8c, 0x00, 0xff},
	{0x00, 0x89, 0x7b, 0xff},
}

// Store keeps avatar files below root.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore creates the temporary and permanent directories under root.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	for _, dir := range []string{tmpDir, permanentDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &Store{root: abs, now: time.Now}, nil
}

// Generate writes a placeholder PNG for name into temporary storage and
// returns its path. The first letter of name is drawn in white on a colour
// derived from it. Letters without a Latin form get a white disc instead.
func (s *Store) Generate(name string) (string, error) {
	initial := strings.ToUpper(firstRune(name))
	h := fnv.New32a()
	h.Write([]byte(initial))
	bg := palette[h.Sum32()%uint32(len(palette))]

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)
	fg := color.RGBA{0xff, 0xff, 0xff, 0xff}
	if glyph, ok := latinInitial(initial); ok {
		drawLetter(img, glyph, fg)
	} else {
		drawDisc(img, fg)
	}

	path := filepath.Join(s.root, tmpDir, uuid.NewString()+".png")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create avatar: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode avatar: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Promote copies a temporary avatar into permanent storage and returns the
// new path relative to the media root. The temporary file is left in place.
func (s *Store) Promote(tmpPath string) (string, error) {
	if err := s.guard(tmpPath, tmpDir); err != nil {
		return "", err
	}
	src, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("open avatar: %w", err)
	}
	defer src.Close()

	rel := filepath.Join(permanentDir, s.now().UTC().Format("2006/01/02"), uuid.NewString()+".png")
	dst := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create avatar dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create avatar: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy avatar: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Remove deletes an avatar. Relative paths resolve against the media root.
// Missing files are not an error.
func (s *Store) Remove(path string) error {
	full := s.resolve(path)
	if err := s.guard(full, ""); err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DataURI returns the avatar as a base64 data URI.
func (s *Store) DataURI(path string) (string, error) {
	full := s.resolve(path)
	if err := s.guard(full, ""); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read avatar: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("data:image/png;base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(raw))
	return b.String(), nil
}

// IsTemporary reports whether path points into temporary storage.
func (s *Store) IsTemporary(path string) bool {
	return s.guard(path, tmpDir) == nil
}

func (s *Store) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *Store) guard(path, sub string) error {
	base := filepath.Join(s.root, sub)
	rel, err := filepath.Rel(base, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return ErrOutsideStore
	}
	return nil
}

// glyphScale enlarges the 7x13 bitmap glyph to fill about half the avatar.
const glyphScale = 6

// latinInitial folds initial to a printable ASCII letter or digit, dropping
// diacritics.
func latinInitial(initial string) (rune, bool) {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn))), initial)
	if err != nil {
		return 0, false
	}
	for _, r := range folded {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r, true
		}
		return 0, false
	}
	return 0, false
}

func drawLetter(dst *image.RGBA, r rune, fg color.Color) {
	face := basicfont.Face7x13
	cell := image.NewRGBA(image.Rect(0, 0, face.Advance, face.Ascent+face.Descent))
	d := font.Drawer{
		Dst:  cell,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(string(r))

	w, h := cell.Bounds().Dx()*glyphScale, cell.Bounds().Dy()*glyphScale
	origin := image.Pt((size-w)/2, (size-h)/2)
	target := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}
	xdraw.NearestNeighbor.Scale(dst, target, cell, cell.Bounds(), xdraw.Over, nil)
}

func drawDisc(dst *image.RGBA, fg color.Color) {
	c := float64(size) / 2
	radius := c / 2.5
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			if dx*dx+dy*dy <= radius*radius {
				dst.Set(x, y, fg)
			}
		}
	}
}

func firstRune(s string) string {
	for _, r := range strings.TrimSpace(s) {
		return string(r)
	}
	return "?"
}
