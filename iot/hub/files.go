// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/relabs-tech/iotsensor/core/client"
)

// FileUploadSASURIRequest asks the hub for upload credentials
type FileUploadSASURIRequest struct {
	BlobName string `json:"blobName"`
}

// FileUploadSASURIResponse are the upload credentials handed out by the hub
type FileUploadSASURIResponse struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SASToken      string `json:"sasToken"`
	// BlobURI is set by hubs that do not store in Azure Blob Storage and overrides the
	// URI assembled from the other fields
	BlobURI string `json:"blobUri,omitempty"`
}

// URI returns the pre-authorized target for the upload
func (r *FileUploadSASURIResponse) URI() string {
	if r.BlobURI != "" {
		return r.BlobURI
	}
	segments := strings.Split(r.BlobName, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	return fmt.Sprintf("https://%s/%s/%s%s", r.HostName, r.ContainerName, strings.Join(segments, "/"), r.SASToken)
}

// FileUploadCompletionNotification tells the hub the outcome of an upload
type FileUploadCompletionNotification struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

// FilesPath is the REST path of the file upload credentials of a device
func FilesPath(deviceID string) string {
	return "/devices/" + url.PathEscape(deviceID) + "/files"
}

// FileNotificationsPath is the REST path upload outcomes are posted to
func FileNotificationsPath(deviceID string) string {
	return FilesPath(deviceID) + "/notifications"
}

func (c *Client) restClient(ctx context.Context) (client.Client, error) {
	token, err := c.token()
	if err != nil {
		return client.Client{}, err
	}
	return c.rest.WithContext(ctx).WithHeader("Authorization", token), nil
}

// GetFileUploadSASURI requests upload credentials for blobName
func (c *Client) GetFileUploadSASURI(ctx context.Context, req FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	rc, err := c.restClient(ctx)
	if err != nil {
		return nil, err
	}
	var res FileUploadSASURIResponse
	if _, err := rc.RawPost(FilesPath(c.DeviceID())+"?api-version="+APIVersion, req, &res); err != nil {
		return nil, fmt.Errorf("cannot get upload credentials: %w", err)
	}
	if res.CorrelationID == "" {
		return nil, fmt.Errorf("cannot get upload credentials: hub returned no correlation id")
	}
	return &res, nil
}

// CompleteFileUpload reports the outcome of an upload
func (c *Client) CompleteFileUpload(ctx context.Context, n FileUploadCompletionNotification) error {
	rc, err := c.restClient(ctx)
	if err != nil {
		return err
	}
	if _, err := rc.RawPost(FileNotificationsPath(c.DeviceID())+"?api-version="+APIVersion, n, nil); err != nil {
		return fmt.Errorf("cannot complete upload: %w", err)
	}
	return nil
}
