// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package upload

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/relabs-tech/iotsensor/core/client"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// Transfer moves the file content to the target handed out by the hub
type Transfer interface {
	Upload(ctx context.Context, target *hub.FileUploadSASURIResponse, body io.Reader, size int64) error
}

// Transfer kinds as configured with UPLOAD_TRANSFER
const (
	TransferAuto   = "auto"
	TransferAzBlob = "azblob"
	TransferPut    = "put"
)

// NewTransfer returns the transfer for kind
func NewTransfer(kind string) (Transfer, error) {
	switch kind {
	case TransferAuto, "":
		return &AutoTransfer{Blob: &BlobTransfer{}, Put: &PutTransfer{}}, nil
	case TransferAzBlob:
		return &BlobTransfer{}, nil
	case TransferPut:
		return &PutTransfer{}, nil
	}
	return nil, fmt.Errorf("unknown transfer '%s'", kind)
}

// BlobTransfer uploads to Azure Blob Storage with the block blob client
type BlobTransfer struct {
	Options *blockblob.ClientOptions
}

// Upload implements Transfer
func (t *BlobTransfer) Upload(ctx context.Context, target *hub.FileUploadSASURIResponse, body io.Reader, _ int64) error {
	c, err := blockblob.NewClientWithNoCredential(target.URI(), t.Options)
	if err != nil {
		return fmt.Errorf("cannot create blob client: %w", err)
	}
	_, err = c.UploadStream(ctx, body, nil)
	return err
}

// PutTransfer uploads with a single HTTP PUT to a pre-signed URL, as issued by S3 or the
// devhub filesystem storage
type PutTransfer struct {
	Client *client.Client
}

// Upload implements Transfer
func (t *PutTransfer) Upload(ctx context.Context, target *hub.FileUploadSASURIResponse, body io.Reader, size int64) error {
	c := client.NewWithURL("")
	if t.Client != nil {
		c = *t.Client
	}
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	_, err := c.WithContext(ctx).RawPutStream(target.URI(), headers, body, size)
	return err
}

// AutoTransfer picks Blob for Azure storage accounts and Put for everything else
type AutoTransfer struct {
	Blob Transfer
	Put  Transfer
}

// Upload implements Transfer
func (t *AutoTransfer) Upload(ctx context.Context, target *hub.FileUploadSASURIResponse, body io.Reader, size int64) error {
	if IsAzureBlob(target) {
		return t.Blob.Upload(ctx, target, body, size)
	}
	return t.Put.Upload(ctx, target, body, size)
}

// IsAzureBlob returns true if target points to an Azure storage account
func IsAzureBlob(target *hub.FileUploadSASURIResponse) bool {
	u, err := url.Parse(target.URI())
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Hostname(), ".blob.core.windows.net")
}
