// pkg/extract/binver.go - reads embedded version metadata from installers.

package extract

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNoVersion is returned when a file carries no readable version resource.
var ErrNoVersion = errors.New("no version information")

// BinaryVersionReader reads installer versions for the pipeline.
type BinaryVersionReader struct{}

// ReadVersion implements the pipeline's version reader.
func (BinaryVersionReader) ReadVersion(path string) (string, error) {
	return ReadBinaryVersion(path)
}

// ReadBinaryVersion returns the version embedded in an .exe or .msi.
func ReadBinaryVersion(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".msi") {
		props, err := MsiMetadata(path)
		if err != nil {
			return "", err
		}
		if props.ProductVersion == "" {
			return "", fmt.Errorf("%s: %w", filepath.Base(path), ErrNoVersion)
		}
		return props.ProductVersion, nil
	}
	return exeVersion(path)
}

// vsFixedFileInfoSignature starts a VS_FIXEDFILEINFO block.
const vsFixedFileInfoSignature = 0xFEEF04BD

// peFileVersion finds VS_FIXEDFILEINFO inside the PE resource section and
// returns its FileVersion as a.b.c.d.
func peFileVersion(path string) (string, error) {
	f, err := pe.Open(path)
	if err != nil {
		return "", fmt.Errorf("not a PE file: %w", err)
	}
	defer f.Close()

	rsrc := f.Section(".rsrc")
	if rsrc == nil {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), ErrNoVersion)
	}
	data, err := rsrc.Data()
	if err != nil {
		return "", fmt.Errorf("failed to read resources: %w", err)
	}
	return fixedFileVersion(data)
}

func fixedFileVersion(data []byte) (string, error) {
	sig := make([]byte, 4)
	binary.LittleEndian.PutUint32(sig, vsFixedFileInfoSignature)

	for off := 0; ; {
		i := bytes.Index(data[off:], sig)
		if i < 0 {
			return "", ErrNoVersion
		}
		start := off + i
		// Signature, StrucVersion, FileVersionMS, FileVersionLS
		if start+16 > len(data) {
			return "", ErrNoVersion
		}
		// VS_FIXEDFILEINFO is DWORD aligned within VS_VERSIONINFO.
		if start%4 == 0 {
			ms := binary.LittleEndian.Uint32(data[start+8:])
			ls := binary.LittleEndian.Uint32(data[start+12:])
			return formatFileVersion(ms, ls), nil
		}
		off = start + 1
	}
}

func formatFileVersion(ms, ls uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xffff, ls>>16, ls&0xffff)
}
