package tabular

// streaming.go builds the reader chain for CSV input: the byte cap on the
// raw upload, BOM removal, then decoding to UTF-8. Excel exports carry a BOM
// that would otherwise end up in the first header label.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// wrapInput returns r capped at maxBytes and decoded from charset to UTF-8.
// UTF-8 input has invalid bytes replaced with '?'. A non-positive maxBytes
// disables the cap.
func wrapInput(r io.Reader, charset string, maxBytes int64) (io.Reader, error) {
	var dec transform.Transformer
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		dec = repairUTF8{}
	case "windows-1252", "cp1252", "latin1", "iso-8859-1":
		dec = charmap.Windows1252.NewDecoder()
	default:
		return nil, fmt.Errorf("%w: charset %q", ErrUnsupported, charset)
	}
	raw := newBOMSkipper(&limitReader{reader: r, max: maxBytes})
	return transform.NewReader(raw, dec), nil
}

// repairUTF8 passes valid UTF-8 through and writes '?' for each byte that
// cannot start a rune. A single byte keeps offsets stable for the CSV
// parser's error positions.
type repairUTF8 struct{ transform.NopResetter }

// Transform implements transform.Transformer.
func (repairUTF8) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		if c := src[nSrc]; c < utf8.RuneSelf {
			if nDst == len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}

		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size == 1 {
			// A rune cut by the read boundary is finished by the next chunk.
			if !atEOF && !utf8.FullRune(src[nSrc:]) {
				return nDst, nSrc, transform.ErrShortSrc
			}
			if nDst == len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '?'
			nDst++
			nSrc++
			continue
		}
		if nDst+size > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
		nSrc += size
	}
	return nDst, nSrc, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// newBOMSkipper drops a leading UTF-8 BOM, which Excel writes in front of
// "CSV UTF-8" exports.
func newBOMSkipper(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// limitReader fails once more than max bytes have been read, so an oversized
// upload is rejected instead of silently truncated.
type limitReader struct {
	reader io.Reader
	read   int64
	max    int64
}

// Read implements io.Reader.
func (r *limitReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read += int64(n)
	if r.max > 0 && r.read > r.max {
		return n, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, r.max)
	}
	return n, err
}
