// pkg/graph/upload.go - uploads encrypted .intunewin content and commits it.

package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/dustin/go-humanize"

	"github.com/windowsadmins/autopackager/pkg/extract"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/reconcile"
)

// Upload states reported on mobileAppContentFile.
const (
	stateStorageURIReady = "azureStorageUriRequestSuccess"
	stateCommitted       = "commitFileSuccess"
)

// BlobUploader puts a file at an Azure Storage SAS URI.
type BlobUploader interface {
	Upload(ctx context.Context, sasURL, path string) error
}

// AzureBlobUploader uploads with the Azure block blob client.
type AzureBlobUploader struct {
	// BlockSize defaults to 6 MiB.
	BlockSize int64
}

// Upload implements BlobUploader.
func (u AzureBlobUploader) Upload(ctx context.Context, sasURL, path string) error {
	client, err := blockblob.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return fmt.Errorf("invalid storage URI: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	size := u.BlockSize
	if size <= 0 {
		size = 6 << 20
	}
	// Intune throttles parallel block uploads.
	_, err = client.UploadFile(ctx, f, &blockblob.UploadFileOptions{BlockSize: size, Concurrency: 1})
	if err != nil {
		return fmt.Errorf("blob upload failed: %w", err)
	}
	return nil
}

type contentVersion struct {
	ID string `json:"id"`
}

type contentFile struct {
	ODataType       string `json:"@odata.type,omitempty"`
	ID              string `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	Size            int64  `json:"size"`
	SizeEncrypted   int64  `json:"sizeEncrypted"`
	IsDependency    bool   `json:"isDependency"`
	AzureStorageURI string `json:"azureStorageUri,omitempty"`
	UploadState     string `json:"uploadState,omitempty"`
}

type fileEncryptionInfo struct {
	EncryptionKey        string `json:"encryptionKey"`
	InitializationVector string `json:"initializationVector"`
	Mac                  string `json:"mac"`
	MacKey               string `json:"macKey"`
	ProfileIdentifier    string `json:"profileIdentifier"`
	FileDigest           string `json:"fileDigest"`
	FileDigestAlgorithm  string `json:"fileDigestAlgorithm"`
}

type commitRequest struct {
	FileEncryptionInfo fileEncryptionInfo `json:"fileEncryptionInfo"`
}

// sleep waits for d or until ctx is done; replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) uploadContent(ctx context.Context, appID string, spec reconcile.CreateSpec) error {
	meta := spec.Metadata
	appPath := fmt.Sprintf("%s/%s", mobileAppsPath, appID)
	versionsPath := appPath + "/microsoft.graph.win32LobApp/contentVersions"

	var cv contentVersion
	if err := c.do(ctx, "POST", versionsPath, struct{}{}, &cv); err != nil {
		return fmt.Errorf("failed to create content version: %w", err)
	}

	tmp, err := os.MkdirTemp("", "autopackager-upload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	payload := filepath.Join(tmp, "IntunePackage.intunewin")
	if err := extract.ExtractContent(ctx, spec.ArchivePath, payload); err != nil {
		return err
	}
	info, err := os.Stat(payload)
	if err != nil {
		return err
	}

	filesPath := fmt.Sprintf("%s/%s/files", versionsPath, cv.ID)
	req := contentFile{
		ODataType:     "#microsoft.graph.mobileAppContentFile",
		Name:          meta.FileName,
		Size:          meta.UnencryptedContentSize,
		SizeEncrypted: info.Size(),
	}
	if req.Name == "" {
		req.Name = filepath.Base(spec.ArchivePath)
	}
	var file contentFile
	if err := c.do(ctx, "POST", filesPath, req, &file); err != nil {
		return fmt.Errorf("failed to create content file: %w", err)
	}
	filePath := filesPath + "/" + file.ID

	file, err = c.waitForState(ctx, filePath, stateStorageURIReady)
	if err != nil {
		return err
	}

	logging.Info("Uploading content", "app", spec.DisplayName, "size", humanize.Bytes(uint64(info.Size())))
	if err := c.uploader.Upload(ctx, file.AzureStorageURI, payload); err != nil {
		return err
	}

	enc := meta.Encryption
	commit := commitRequest{FileEncryptionInfo: fileEncryptionInfo{
		EncryptionKey:        enc.EncryptionKey,
		InitializationVector: enc.InitializationVector,
		Mac:                  enc.Mac,
		MacKey:               enc.MacKey,
		ProfileIdentifier:    enc.ProfileIdentifier,
		FileDigest:           enc.FileDigest,
		FileDigestAlgorithm:  enc.FileDigestAlgorithm,
	}}
	if err := c.do(ctx, "POST", filePath+"/commit", commit, nil); err != nil {
		return fmt.Errorf("failed to commit content: %w", err)
	}
	if _, err := c.waitForState(ctx, filePath, stateCommitted); err != nil {
		return err
	}

	patch := mobileApp{ODataType: win32Type, CommittedContentVersion: cv.ID}
	if err := c.do(ctx, "PATCH", appPath, patch, nil); err != nil {
		return fmt.Errorf("failed to set committed content version: %w", err)
	}
	logging.Debug("Committed content", "app", appID, "content_version", cv.ID)
	return nil
}

// waitForState polls a content file until it reaches want.
func (c *Client) waitForState(ctx context.Context, filePath, want string) (contentFile, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		var f contentFile
		if err := c.do(ctx, "GET", filePath, nil, &f); err != nil {
			return f, err
		}
		switch {
		case f.UploadState == want:
			return f, nil
		case strings.HasSuffix(f.UploadState, "Failed"), strings.HasSuffix(f.UploadState, "TimedOut"):
			return f, fmt.Errorf("content upload state %s", f.UploadState)
		}
		if time.Now().After(deadline) {
			return f, fmt.Errorf("timed out waiting for %s (last state %s)", want, f.UploadState)
		}
		if err := sleep(ctx, c.poll); err != nil {
			return f, err
		}
	}
}
