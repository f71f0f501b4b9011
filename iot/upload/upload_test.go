package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotsensor/iot/hub"
)

type fakeRequester struct {
	requests      []hub.FileUploadSASURIRequest
	notifications []hub.FileUploadCompletionNotification
	target        *hub.FileUploadSASURIResponse
	requestErr    error
	completeErr   error
}

func (f *fakeRequester) GetFileUploadSASURI(_ context.Context, req hub.FileUploadSASURIRequest) (*hub.FileUploadSASURIResponse, error) {
	f.requests = append(f.requests, req)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return f.target, nil
}

func (f *fakeRequester) CompleteFileUpload(_ context.Context, n hub.FileUploadCompletionNotification) error {
	f.notifications = append(f.notifications, n)
	return f.completeErr
}

type fakeTransfer struct {
	calls int
	body  []byte
	err   error
}

func (f *fakeTransfer) Upload(_ context.Context, _ *hub.FileUploadSASURIResponse, body io.Reader, _ int64) error {
	f.calls++
	f.body, _ = io.ReadAll(body)
	return f.err
}

func writeUploadFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "upload_me.txt")
	require.NoError(t, os.WriteFile(path, []byte("file content"), 0600))
	return path
}

func newRequester() *fakeRequester {
	return &fakeRequester{target: &hub.FileUploadSASURIResponse{
		CorrelationID: "corr-42",
		HostName:      "acct.blob.core.windows.net",
		ContainerName: "uploads",
		BlobName:      "sensor-1/upload_me.txt",
		SASToken:      "?sig=x",
	}}
}

func TestSession_Success(t *testing.T) {
	requester := newRequester()
	transfer := &fakeTransfer{}

	err := NewSession(writeUploadFile(t), requester, transfer).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, requester.requests, 1)
	assert.Equal(t, "upload_me.txt", requester.requests[0].BlobName)
	assert.Equal(t, "file content", string(transfer.body))
	require.Len(t, requester.notifications, 1)
	assert.Equal(t, hub.FileUploadCompletionNotification{
		CorrelationID:     "corr-42",
		IsSuccess:         true,
		StatusCode:        200,
		StatusDescription: "Success",
	}, requester.notifications[0])
}

func TestSession_TransferFails(t *testing.T) {
	requester := newRequester()
	transfer := &fakeTransfer{err: errors.New("disk full")}

	err := NewSession(writeUploadFile(t), requester, transfer).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, requester.notifications, 1)
	assert.Equal(t, hub.FileUploadCompletionNotification{
		CorrelationID:     "corr-42",
		IsSuccess:         false,
		StatusCode:        500,
		StatusDescription: "disk full",
	}, requester.notifications[0])
}

func TestSession_MissingFile(t *testing.T) {
	requester := newRequester()
	transfer := &fakeTransfer{}

	err := NewSession(filepath.Join(t.TempDir(), "nope.txt"), requester, transfer).Run(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, requester.requests)
	assert.Zero(t, transfer.calls)
	assert.Empty(t, requester.notifications)
}

func TestSession_RequestFails(t *testing.T) {
	requester := newRequester()
	requester.requestErr = hub.ErrNotConnected
	transfer := &fakeTransfer{}

	err := NewSession(writeUploadFile(t), requester, transfer).Run(context.Background())
	assert.ErrorIs(t, err, hub.ErrNotConnected)
	assert.Zero(t, transfer.calls)
	assert.Empty(t, requester.notifications)
}

func TestSession_CompleteFails(t *testing.T) {
	requester := newRequester()
	requester.completeErr = errors.New("hub unavailable")
	transfer := &fakeTransfer{}

	err := NewSession(writeUploadFile(t), requester, transfer).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub unavailable")
	assert.Len(t, requester.notifications, 1)
}

func TestPutTransfer(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Query().Get("token") != "t1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	target := &hub.FileUploadSASURIResponse{BlobURI: srv.URL + "/kss/files/sensor-1/upload_me.txt?token=t1"}
	body := []byte("file content")
	require.NoError(t, (&PutTransfer{}).Upload(context.Background(), target, bytes.NewReader(body), int64(len(body))))
	assert.Equal(t, body, received)

	target.BlobURI = srv.URL + "/kss/files/sensor-1/upload_me.txt?token=wrong"
	assert.Error(t, (&PutTransfer{}).Upload(context.Background(), target, bytes.NewReader(body), int64(len(body))))
}

func TestAutoTransfer(t *testing.T) {
	blob, put := &fakeTransfer{}, &fakeTransfer{}
	auto := &AutoTransfer{Blob: blob, Put: put}
	ctx := context.Background()

	require.NoError(t, auto.Upload(ctx, newRequester().target, bytes.NewReader(nil), 0))
	assert.Equal(t, 1, blob.calls)
	assert.Zero(t, put.calls)

	local := &hub.FileUploadSASURIResponse{BlobURI: "http://localhost:3000/kss/files/x?token=y"}
	require.NoError(t, auto.Upload(ctx, local, bytes.NewReader(nil), 0))
	assert.Equal(t, 1, put.calls)

	s3 := &hub.FileUploadSASURIResponse{BlobURI: "https://bucket.s3.eu-central-1.amazonaws.com/x?X-Amz-Signature=y"}
	assert.False(t, IsAzureBlob(s3))
}

func TestNewTransfer(t *testing.T) {
	for _, kind := range []string{TransferAuto, TransferAzBlob, TransferPut} {
		tr, err := NewTransfer(kind)
		require.NoError(t, err)
		assert.NotNil(t, tr)
	}
	_, err := NewTransfer("ftp")
	assert.Error(t, err)
}
