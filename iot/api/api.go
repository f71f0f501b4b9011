// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package api is the REST interface of devhub.
//
// Devices use the IoT hub file upload endpoints
//
//	POST /devices/{device_id}/files
//	POST /devices/{device_id}/files/notifications
//
// authenticated with a shared access signature in the Authorization header. Operators
// invoke direct methods, send cloud-to-device messages and query recorded data with
//
//	POST /devices/{device_id}/methods/{name}
//	POST /devices/{device_id}/messages
//	GET  /devices/{device_id}/telemetry
//	GET  /devices/{device_id}/files/notifications
//	GET  /devices/{device_id}/files/{blob_name}
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/hub"
	"github.com/relabs-tech/iotsensor/iot/kss"
	"github.com/relabs-tech/iotsensor/iot/mqtt"
	"github.com/relabs-tech/iotsensor/iot/sink"
)

// DefaultContainerName is reported to devices as the storage container
const DefaultContainerName = "uploads"

// DefaultUploadExpiry is how long a device has to upload and notify
const DefaultUploadExpiry = time.Hour

const defaultListLimit = 100

// Broker reaches connected devices
type Broker interface {
	InvokeMethod(ctx context.Context, deviceID, name string, payload []byte) (*mqtt.MethodResult, error)
	SendMessage(deviceID string, payload []byte, props map[string]string) (string, error)
}

// Builder is a builder helper for the API
type Builder struct {
	// HostName is the hub host name devices sign their tokens for. This is mandatory.
	HostName string
	// Registry holds the keys of all devices. This is mandatory.
	Registry mqtt.Registry
	// Driver stores uploaded files. This is mandatory.
	Driver kss.Driver
	// Broker for direct methods and cloud-to-device messages. This is mandatory.
	Broker Broker
	// Sink receives upload notifications. Optional.
	Sink sink.Sink
	// Store answers telemetry and upload queries. Optional.
	Store sink.Store
	// ContainerName defaults to DefaultContainerName
	ContainerName string
	// UploadExpiry defaults to DefaultUploadExpiry
	UploadExpiry time.Duration
	// Router is the mux router to add routes to. This is mandatory.
	Router *mux.Router
}

// API is the devhub REST API
type API struct {
	hostName      string
	registry      mqtt.Registry
	driver        kss.Driver
	broker        Broker
	sink          sink.Sink
	store         sink.Store
	containerName string
	uploadExpiry  time.Duration
	now           func() time.Time

	mu      sync.Mutex
	uploads map[string]pendingUpload
}

type pendingUpload struct {
	deviceID  string
	key       string
	blobName  string
	expiresAt time.Time
}

// NewAPI creates the API and adds its routes to the router
func NewAPI(bb *Builder) (*API, error) {
	if bb.HostName == "" {
		return nil, errors.New("host name missing")
	}
	if bb.Registry == nil {
		return nil, errors.New("registry missing")
	}
	if bb.Driver == nil {
		return nil, errors.New("driver missing")
	}
	if bb.Broker == nil {
		return nil, errors.New("broker missing")
	}
	if bb.Router == nil {
		return nil, errors.New("router missing")
	}
	a := &API{
		hostName:      bb.HostName,
		registry:      bb.Registry,
		driver:        bb.Driver,
		broker:        bb.Broker,
		sink:          bb.Sink,
		store:         bb.Store,
		containerName: bb.ContainerName,
		uploadExpiry:  bb.UploadExpiry,
		now:           time.Now,
		uploads:       map[string]pendingUpload{},
	}
	if a.containerName == "" {
		a.containerName = DefaultContainerName
	}
	if a.uploadExpiry <= 0 {
		a.uploadExpiry = DefaultUploadExpiry
	}
	a.handleRoutes(bb.Router)
	return a, nil
}

// MustNewAPI is NewAPI that panics on error
func MustNewAPI(bb *Builder) *API {
	a, err := NewAPI(bb)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("devhub: handle route /devices/{device_id}/files POST")
	rlog.Debugln("devhub: handle route /devices/{device_id}/files/notifications GET,POST")
	rlog.Debugln("devhub: handle route /devices/{device_id}/files/{blob_name} GET")
	rlog.Debugln("devhub: handle route /devices/{device_id}/methods/{name} POST")
	rlog.Debugln("devhub: handle route /devices/{device_id}/messages POST")
	rlog.Debugln("devhub: handle route /devices/{device_id}/telemetry GET")

	router.HandleFunc("/devices/{device_id}/files", a.authorized(a.createUpload)).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/files/notifications", a.authorized(a.completeUpload)).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/files/notifications", a.listUploads).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/files/{blob_name:.+}", a.downloadFile).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/methods/{name}", a.invokeMethod).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/messages", a.sendMessage).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/telemetry", a.listTelemetry).Methods(http.MethodGet)
}

// authorized requires a shared access signature of the device in the Authorization header
func (a *API) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		ctx, rlog := logger.ContextWithDevice(r.Context(), deviceID)
		key, ok := a.registry.Key(deviceID)
		if !ok {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		err := hub.VerifySharedAccessSignature(r.Header.Get("Authorization"), hub.DeviceResource(a.hostName, deviceID), key, a.now())
		if err != nil {
			rlog.WithError(err).Warn("request denied")
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		h(w, r.WithContext(ctx))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}

func (a *API) knownDevice(w http.ResponseWriter, deviceID string) bool {
	if _, ok := a.registry.Key(deviceID); !ok {
		http.Error(w, "no such device", http.StatusNotFound)
		return false
	}
	return true
}

func (a *API) createUpload(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	deviceID := mux.Vars(r)["device_id"]

	var req hub.FileUploadSASURIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	if req.BlobName == "" || strings.HasPrefix(req.BlobName, "/") || strings.Contains("/"+req.BlobName+"/", "/../") {
		http.Error(w, "invalid blobName", http.StatusBadRequest)
		return
	}

	key := deviceID + "/" + req.BlobName
	uri, err := a.driver.GetPreSignedURL(kss.Put, key, a.uploadExpiry)
	if err != nil {
		rlog.WithError(err).Warnf("cannot pre-sign upload of %s", key)
		http.Error(w, "invalid blobName", http.StatusBadRequest)
		return
	}

	now := a.now()
	correlationID := uuid.NewString()
	a.mu.Lock()
	for id, u := range a.uploads {
		if now.After(u.expiresAt) {
			delete(a.uploads, id)
		}
	}
	a.uploads[correlationID] = pendingUpload{
		deviceID:  deviceID,
		key:       key,
		blobName:  req.BlobName,
		expiresAt: now.Add(a.uploadExpiry),
	}
	a.mu.Unlock()

	rlog.Infof("file upload %s requested, correlation id %s", key, correlationID)
	writeJSON(w, http.StatusOK, hub.FileUploadSASURIResponse{
		CorrelationID: correlationID,
		HostName:      a.hostName,
		ContainerName: a.containerName,
		BlobName:      key,
		BlobURI:       uri,
	})
}

func (a *API) completeUpload(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	deviceID := mux.Vars(r)["device_id"]

	var n hub.FileUploadCompletionNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	upload, ok := a.uploads[n.CorrelationID]
	if ok && upload.deviceID == deviceID {
		delete(a.uploads, n.CorrelationID)
	}
	a.mu.Unlock()
	if !ok || upload.deviceID != deviceID {
		http.Error(w, "no such correlationId", http.StatusBadRequest)
		return
	}

	if n.IsSuccess {
		rlog.Infof("file upload %s completed", upload.key)
	} else {
		rlog.Warnf("file upload %s failed with %d: %s", upload.key, n.StatusCode, n.StatusDescription)
		if err := a.driver.Delete(upload.key); err != nil {
			rlog.WithError(err).Errorf("cannot delete %s", upload.key)
		}
	}

	if a.sink != nil {
		err := a.sink.UploadCompleted(r.Context(), sink.UploadNotification{
			DeviceID:          deviceID,
			CorrelationID:     n.CorrelationID,
			BlobName:          upload.blobName,
			IsSuccess:         n.IsSuccess,
			StatusCode:        n.StatusCode,
			StatusDescription: n.StatusDescription,
			CompletedAt:       a.now().UTC(),
		})
		if err != nil {
			rlog.WithError(err).Error("recording upload notification")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) downloadFile(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]
	if !a.knownDevice(w, deviceID) {
		return
	}
	u, err := a.driver.GetPreSignedURL(kss.Get, deviceID+"/"+params["blob_name"], 15*time.Minute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, u, http.StatusTemporaryRedirect)
}

func (a *API) invokeMethod(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]
	if !a.knownDevice(w, deviceID) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	res, err := a.broker.InvokeMethod(r.Context(), deviceID, params["name"], body)
	switch {
	case errors.Is(err, mqtt.ErrUnknownDevice):
		http.Error(w, "no such device", http.StatusNotFound)
		return
	case errors.Is(err, mqtt.ErrMethodTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if !a.knownDevice(w, deviceID) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	props := map[string]string{}
	for k := range r.URL.Query() {
		if strings.HasPrefix(k, "$") {
			http.Error(w, "system property "+k+" cannot be set", http.StatusBadRequest)
			return
		}
		props[k] = r.URL.Query().Get(k)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		props[hub.PropertyContentType] = ct
	}

	messageID, err := a.broker.SendMessage(deviceID, body, props)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.FromContext(r.Context()).WithField("device_id", deviceID).Infof("sent message %s", messageID)
	writeJSON(w, http.StatusAccepted, struct {
		MessageID string `json:"messageId"`
	}{MessageID: messageID})
}

func listLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive number")
	}
	return limit, nil
}

func (a *API) listTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if a.store == nil {
		http.Error(w, "no store configured", http.StatusNotImplemented)
		return
	}
	if !a.knownDevice(w, deviceID) {
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := a.store.ListTelemetry(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []sink.TelemetryRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) listUploads(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if a.store == nil {
		http.Error(w, "no store configured", http.StatusNotImplemented)
		return
	}
	if !a.knownDevice(w, deviceID) {
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := a.store.ListUploads(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []sink.UploadNotification{}
	}
	writeJSON(w, http.StatusOK, list)
}
