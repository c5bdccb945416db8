package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/juju/clock"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// BlobProperties is the subset of blob metadata the flat-blob driver reads.
type BlobProperties struct {
	Name         string
	Size         int64
	ContentType  string
	CreationTime time.Time
	LastModified time.Time
	ETag         string
	// CopyStatus is set while a server-side copy into the blob is tracked.
	CopyStatus string
}

// AzureBlobAPI defines the subset of the Azure Blob Storage client that the
// flat-blob driver uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentType string) (BlobProperties, error)
	// DownloadBlob opens a blob's contents for reading.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, BlobProperties, error)
	// GetBlobProperties returns a blob's metadata.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (BlobProperties, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ListBlobs lists every blob whose name starts with prefix, following pages.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]BlobProperties, error)
	// StartCopyFromURL starts a server-side copy and returns the copy status.
	StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) (string, error)
	// BlobURL returns the escaped URL of a blob.
	BlobURL(containerName, blobName string) string
	// ContainerExists returns nil when the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
	// SetStaticWebsite updates the account's static website properties.
	SetStaticWebsite(ctx context.Context, cfg WebsiteConfig) error
}

// AzureConfig carries what the flat-blob driver needs to reach its container.
type AzureConfig struct {
	// ServiceURL is the blob endpoint, e.g. https://account.blob.core.windows.net.
	ServiceURL  string
	AccountName string
	// AccountKey selects shared-key auth; empty means the default credential chain.
	AccountKey string
	Container  string
}

// AzureDriver implements Driver on one Azure Blob Storage container. Azure
// blob names are flat; folders exist only as key prefixes.
type AzureDriver struct {
	// Container is the Azure Blob container name.
	Container string
	client    AzureBlobAPI
	clock     clock.Clock
	// copyPollInterval is how often a pending server-side copy is re-checked.
	copyPollInterval time.Duration
}

// NewAzureDriver creates an AzureDriver and verifies the container is reachable.
func NewAzureDriver(ctx context.Context, cfg AzureConfig) (*AzureDriver, error) {
	client, err := newRealAzureClient(cfg.ServiceURL, cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	d := NewAzureDriverWithClient(cfg.Container, client, clock.WallClock)
	if err := d.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.Container, err)
	}
	slog.Info("Azure flat-blob driver initialized", "container", cfg.Container, "endpoint", cfg.ServiceURL)
	return d, nil
}

// NewAzureDriverWithClient creates an AzureDriver with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureDriverWithClient(container string, client AzureBlobAPI, clk clock.Clock) *AzureDriver {
	return &AzureDriver{
		Container:        container,
		client:           client,
		clock:            clk,
		copyPollInterval: 250 * time.Millisecond,
	}
}

// Kind reports KindFlatBlob.
func (d *AzureDriver) Kind() Kind { return KindFlatBlob }

func blobInfo(p BlobProperties) ObjectInfo {
	created := p.CreationTime
	if created.IsZero() {
		created = p.LastModified
	}
	return ObjectInfo{
		Key:         p.Name,
		Size:        p.Size,
		ContentType: p.ContentType,
		Created:     created,
		Modified:    p.LastModified,
		ETag:        p.ETag,
	}
}

// PutObject reads all of r and uploads it as a block blob.
func (d *AzureDriver) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("reading object data: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return ObjectInfo{}, fmt.Errorf("object data is %d bytes, expected %d", len(data), size)
	}
	props, err := d.client.UploadBlob(ctx, d.Container, key, data, contentType)
	if err != nil {
		return ObjectInfo{}, classifyAzureError(err, key, "uploading to Azure Blob")
	}
	props.Name = key
	return blobInfo(props), nil
}

// GetObject opens the blob for streaming.
func (d *AzureDriver) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	body, props, err := d.client.DownloadBlob(ctx, d.Container, key)
	if err != nil {
		return nil, ObjectInfo{}, classifyAzureError(err, key, "downloading from Azure Blob")
	}
	props.Name = key
	return body, blobInfo(props), nil
}

// StatObject returns the blob's properties.
func (d *AzureDriver) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	props, err := d.client.GetBlobProperties(ctx, d.Container, key)
	if err != nil {
		return ObjectInfo{}, classifyAzureError(err, key, "getting blob properties")
	}
	props.Name = key
	return blobInfo(props), nil
}

// ObjectExists checks blob properties and treats not-found as false.
func (d *AzureDriver) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := d.StatObject(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fserr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ListObjects lists the container flat by prefix.
func (d *AzureDriver) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	blobs, err := d.client.ListBlobs(ctx, d.Container, prefix)
	if err != nil {
		return nil, classifyAzureError(err, prefix, "listing Azure blobs")
	}
	out := make([]ObjectInfo, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, blobInfo(b))
	}
	return out, nil
}

// DeleteObject deletes the blob. Idempotent: not-found is success.
func (d *AzureDriver) DeleteObject(ctx context.Context, key string) error {
	err := d.client.DeleteBlob(ctx, d.Container, key)
	if err != nil {
		err = classifyAzureError(err, key, "deleting Azure blob")
		if errors.Is(err, fserr.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// CopyObject starts a server-side copy and waits until Azure reports it
// finished. The source URL comes from the SDK, which escapes the blob name.
func (d *AzureDriver) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if _, err := d.StatObject(ctx, srcKey); err != nil {
		return err
	}
	status, err := d.client.StartCopyFromURL(ctx, d.Container, dstKey, d.client.BlobURL(d.Container, srcKey))
	if err != nil {
		return classifyAzureError(err, srcKey, "copying Azure blob")
	}
	for status == string(blob.CopyStatusTypePending) {
		select {
		case <-ctx.Done():
			return fserr.ErrBackendTransient.WithPath(dstKey).WithMessage("copy still pending").WithCause(ctx.Err())
		case <-d.clock.After(d.copyPollInterval):
		}
		props, err := d.client.GetBlobProperties(ctx, d.Container, dstKey)
		if err != nil {
			return classifyAzureError(err, dstKey, "polling Azure copy status")
		}
		status = props.CopyStatus
	}
	if status != "" && status != string(blob.CopyStatusTypeSuccess) {
		return fmt.Errorf("copying Azure blob %q to %q: copy status %s", srcKey, dstKey, status)
	}
	return nil
}

// HealthCheck verifies the container is reachable.
func (d *AzureDriver) HealthCheck(ctx context.Context) error {
	if err := d.client.ContainerExists(ctx, d.Container); err != nil {
		return classifyAzureError(err, "", "checking Azure container")
	}
	return nil
}

// SetStaticWebsite enables or disables static website hosting on the account.
func (d *AzureDriver) SetStaticWebsite(ctx context.Context, cfg WebsiteConfig) error {
	if err := d.client.SetStaticWebsite(ctx, cfg); err != nil {
		return classifyAzureError(err, "", "setting static website properties")
	}
	return nil
}

// classifyAzureError maps an Azure SDK error onto a storage error kind.
func classifyAzureError(err error, key, op string) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return fserr.ErrNotFound.WithPath(key).WithCause(err)
	case bloberror.HasCode(err, bloberror.AuthorizationPermissionMismatch, bloberror.AuthorizationFailure,
		bloberror.InsufficientAccountPermissions):
		return fserr.ErrInsufficientCredential.WithPath(key).WithCause(err)
	case bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError):
		return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fserr.ErrNotFound.WithPath(key).WithCause(err)
		case respErr.StatusCode == http.StatusForbidden:
			return fserr.ErrInsufficientCredential.WithPath(key).WithCause(err)
		case isTransientStatus(respErr.StatusCode):
			return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Ensure AzureDriver implements Driver and WebsiteController at compile time.
var (
	_ Driver            = (*AzureDriver)(nil)
	_ WebsiteController = (*AzureDriver)(nil)
)
