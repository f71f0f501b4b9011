// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package upload sends a local file to the storage the hub delegates to.

A Session runs the hub's three step protocol once:

 1. open the file and request upload credentials for its base name
 2. transfer the file to the pre-authorized target URI
 3. report the outcome with the correlation id of step 1

Failures in step 1 end the session with an error. A failed transfer is reported to the hub
as {isSuccess:false, statusCode:500, statusDescription:<error>} and is not returned; only a
failed report is.
*/
package upload

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// Requester negotiates uploads with the hub. It is implemented by *hub.Client.
type Requester interface {
	GetFileUploadSASURI(ctx context.Context, req hub.FileUploadSASURIRequest) (*hub.FileUploadSASURIResponse, error)
	CompleteFileUpload(ctx context.Context, n hub.FileUploadCompletionNotification) error
}

// Session uploads one file
type Session struct {
	path      string
	requester Requester
	transfer  Transfer
}

// NewSession returns a session uploading path through transfer
func NewSession(path string, requester Requester, transfer Transfer) *Session {
	return &Session{path: path, requester: requester, transfer: transfer}
}

// Run executes the session, see the package documentation
func (s *Session) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", s.path, err)
	}
	defer f.Close()
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	blobName := filepath.Base(s.path)
	rlog.Infof("Uploading file %s", s.path)
	rlog.Info("Getting SAS URI from IoT Hub to use when uploading the file...")
	target, err := s.requester.GetFileUploadSASURI(ctx, hub.FileUploadSASURIRequest{BlobName: blobName})
	if err != nil {
		return fmt.Errorf("cannot request upload of %s: %w", blobName, err)
	}
	rlog = rlog.WithField("correlationID", target.CorrelationID)
	rlog.Infof("Got upload target for blob %s", target.BlobName)

	start := time.Now()
	outcome := hub.FileUploadCompletionNotification{
		CorrelationID:     target.CorrelationID,
		IsSuccess:         true,
		StatusCode:        http.StatusOK,
		StatusDescription: "Success",
	}
	if err := s.transfer.Upload(ctx, target, f, size); err != nil {
		rlog.WithError(err).Error("Failed to upload file to storage")
		outcome.IsSuccess = false
		outcome.StatusCode = http.StatusInternalServerError
		outcome.StatusDescription = err.Error()
	} else {
		rlog.Info("Successfully uploaded the file to storage")
	}

	err = s.requester.CompleteFileUpload(ctx, outcome)
	rlog.Infof("Time to upload file: %s", time.Since(start))
	if err != nil {
		return fmt.Errorf("cannot report upload outcome: %w", err)
	}
	rlog.Info("Notified IoT Hub of the upload outcome")
	return nil
}
