// pkg/extract/intunewin.go - reads packaged .intunewin archives.
//
// An .intunewin file is a zip holding IntuneWinPackage/Metadata/Detection.xml
// and the encrypted payload IntuneWinPackage/Contents/IntunePackage.intunewin.

package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/mholt/archives"
)

const (
	detectionXMLPath = "IntuneWinPackage/Metadata/Detection.xml"
	contentPath      = "IntuneWinPackage/Contents/IntunePackage.intunewin"
)

// EncryptionInfo is the key material Intune needs to decrypt the payload.
type EncryptionInfo struct {
	EncryptionKey        string
	MacKey               string
	InitializationVector string
	Mac                  string
	ProfileIdentifier    string
	FileDigest           string
	FileDigestAlgorithm  string
}

// MsiInfo is present when the setup file is an MSI.
type MsiInfo struct {
	ProductCode      string
	ProductVersion   string
	UpgradeCode      string
	ExecutionContext string
	Publisher        string
	RequiresReboot   bool
}

// PackageMetadata is the content of Detection.xml.
type PackageMetadata struct {
	Name                   string
	SetupFile              string
	FileName               string
	UnencryptedContentSize int64
	ToolVersion            string
	Encryption             EncryptionInfo
	Msi                    *MsiInfo
}

// MetadataReader reads archive metadata for the reconciler.
type MetadataReader struct{}

// ReadMetadata implements the reconciler's metadata reader.
func (MetadataReader) ReadMetadata(ctx context.Context, archivePath string) (PackageMetadata, error) {
	return ReadPackageMetadata(ctx, archivePath)
}

// walkArchive calls fn for the archive member at name.
func walkArchive(ctx context.Context, archivePath, name string, fn func(io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	found := false
	err = archives.Zip{}.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		if found || info.IsDir() || !strings.EqualFold(path.Clean(info.NameInArchive), name) {
			return nil
		}
		found = true
		rc, err := info.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		return fn(rc)
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", archivePath, err)
	}
	if !found {
		return fmt.Errorf("%s has no %s: %w", archivePath, name, os.ErrNotExist)
	}
	return nil
}

// ReadPackageMetadata parses Detection.xml from an .intunewin archive.
func ReadPackageMetadata(ctx context.Context, archivePath string) (PackageMetadata, error) {
	var meta PackageMetadata
	err := walkArchive(ctx, archivePath, detectionXMLPath, func(r io.Reader) error {
		doc := etree.NewDocument()
		if _, err := doc.ReadFrom(r); err != nil {
			return fmt.Errorf("invalid Detection.xml: %w", err)
		}
		m, err := parseDetection(doc)
		meta = m
		return err
	})
	return meta, err
}

func parseDetection(doc *etree.Document) (PackageMetadata, error) {
	root := doc.SelectElement("ApplicationInfo")
	if root == nil {
		return PackageMetadata{}, fmt.Errorf("Detection.xml has no ApplicationInfo element")
	}

	text := func(parent *etree.Element, tag string) string {
		if e := parent.SelectElement(tag); e != nil {
			return strings.TrimSpace(e.Text())
		}
		return ""
	}

	meta := PackageMetadata{
		Name:        text(root, "Name"),
		SetupFile:   text(root, "SetupFile"),
		FileName:    text(root, "FileName"),
		ToolVersion: root.SelectAttrValue("ToolVersion", ""),
	}
	if size := text(root, "UnencryptedContentSize"); size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return PackageMetadata{}, fmt.Errorf("invalid UnencryptedContentSize %q: %w", size, err)
		}
		meta.UnencryptedContentSize = n
	}

	enc := root.SelectElement("EncryptionInfo")
	if enc == nil {
		return PackageMetadata{}, fmt.Errorf("Detection.xml has no EncryptionInfo")
	}
	meta.Encryption = EncryptionInfo{
		EncryptionKey:        text(enc, "EncryptionKey"),
		MacKey:               text(enc, "MacKey"),
		InitializationVector: text(enc, "InitializationVector"),
		Mac:                  text(enc, "Mac"),
		ProfileIdentifier:    text(enc, "ProfileIdentifier"),
		FileDigest:           text(enc, "FileDigest"),
		FileDigestAlgorithm:  text(enc, "FileDigestAlgorithm"),
	}

	if msi := root.SelectElement("MsiInfo"); msi != nil {
		meta.Msi = &MsiInfo{
			ProductCode:      text(msi, "MsiProductCode"),
			ProductVersion:   text(msi, "MsiProductVersion"),
			UpgradeCode:      text(msi, "MsiUpgradeCode"),
			ExecutionContext: text(msi, "MsiExecutionContext"),
			Publisher:        text(msi, "MsiPublisher"),
			RequiresReboot:   strings.EqualFold(text(msi, "MsiRequiresReboot"), "true"),
		}
	}
	return meta, nil
}

// ExtractContent copies the encrypted payload out of an .intunewin archive.
func ExtractContent(ctx context.Context, archivePath, dest string) error {
	return walkArchive(ctx, archivePath, contentPath, func(r io.Reader) error {
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("failed to extract payload: %w", err)
		}
		return out.Close()
	})
}
