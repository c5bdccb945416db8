package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates an Azure Blob client for serviceURL. With an
// account key it authorizes with the shared key; otherwise it uses the
// default Azure credential chain (managed identity, environment, CLI).
func newRealAzureClient(serviceURL, accountName, accountKey string) (*realAzureClient, error) {
	if accountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
		if err != nil {
			return nil, fmt.Errorf("creating Azure shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with shared key: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (c *realAzureClient) blobClient(containerName, blobName string) *blob.Client {
	return c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentType string) (BlobProperties, error) {
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	}
	resp, err := c.client.UploadBuffer(ctx, containerName, blobName, data, opts)
	if err != nil {
		return BlobProperties{}, err
	}
	mod := timeValue(resp.LastModified)
	return BlobProperties{
		Name:         blobName,
		Size:         int64(len(data)),
		ContentType:  contentType,
		CreationTime: mod,
		LastModified: mod,
		ETag:         etagString(resp.ETag),
	}, nil
}

func (c *realAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, BlobProperties, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, BlobProperties{}, err
	}
	props := BlobProperties{
		Name:         blobName,
		ContentType:  stringValue(resp.ContentType),
		CreationTime: timeValue(resp.CreationTime),
		LastModified: timeValue(resp.LastModified),
		ETag:         etagString(resp.ETag),
	}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	return resp.Body, props, nil
}

func (c *realAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (BlobProperties, error) {
	resp, err := c.blobClient(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		return BlobProperties{}, err
	}
	props := BlobProperties{
		Name:         blobName,
		ContentType:  stringValue(resp.ContentType),
		CreationTime: timeValue(resp.CreationTime),
		LastModified: timeValue(resp.LastModified),
		ETag:         etagString(resp.ETag),
	}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	if resp.CopyStatus != nil {
		props.CopyStatus = string(*resp.CopyStatus)
	}
	return props, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]BlobProperties, error) {
	var out []BlobProperties
	pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			props := BlobProperties{Name: *item.Name}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					props.Size = *p.ContentLength
				}
				props.ContentType = stringValue(p.ContentType)
				props.CreationTime = timeValue(p.CreationTime)
				props.LastModified = timeValue(p.LastModified)
				props.ETag = etagString(p.ETag)
			}
			out = append(out, props)
		}
	}
	return out, nil
}

func (c *realAzureClient) StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) (string, error) {
	resp, err := c.blobClient(containerName, blobName).StartCopyFromURL(ctx, sourceURL, nil)
	if err != nil {
		return "", err
	}
	if resp.CopyStatus == nil {
		return "", nil
	}
	return string(*resp.CopyStatus), nil
}

func (c *realAzureClient) BlobURL(containerName, blobName string) string {
	return c.blobClient(containerName, blobName).URL()
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	return err
}

func (c *realAzureClient) SetStaticWebsite(ctx context.Context, cfg WebsiteConfig) error {
	site := &service.StaticWebsite{Enabled: to.Ptr(cfg.Enabled)}
	if cfg.Enabled {
		if cfg.IndexDocument != "" {
			site.IndexDocument = to.Ptr(cfg.IndexDocument)
		}
		if cfg.ErrorDocument404Path != "" {
			site.ErrorDocument404Path = to.Ptr(cfg.ErrorDocument404Path)
		}
	}
	_, err := c.client.ServiceClient().SetProperties(ctx, &service.SetPropertiesOptions{StaticWebsite: site})
	return err
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
