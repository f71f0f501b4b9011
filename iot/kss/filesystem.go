// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotsensor/core/logger"
)

const filesPath = "/kss/files/"

// LocalFilesystem stores files below a base folder and serves them on /kss/files/{key}.
// URLs carry a token query parameter signed with HS256 that binds key, method and expiry.
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	signingKey []byte
}

type fileClaims struct {
	Key    string `json:"key"`
	Method Method `json:"method"`
	jwt.StandardClaims
}

// NewLocalFilesystem returns a new LocalFilesystem and registers its routes on router
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	signingKey := config.SigningKey
	if len(signingKey) == 0 {
		logger.Default().Warn("No signing key provided for file URLs, a random one will be generated")
		logger.Default().Warn("URLs handed out will not survive a restart")
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	f := &LocalFilesystem{baseFolder: config.BasePath, publicURL: publicURL, signingKey: signingKey}

	logger.Default().Debugln("filesystem routes enabled")
	logger.Default().Debugln("  handle files route: " + filesPath + "{key} GET, PUT")
	router.Handle(filesPath+"{key:.+}", http.HandlerFunc(f.handler)).Methods(http.MethodGet, http.MethodPut)
	return f, nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." || segment == "" {
			return fmt.Errorf("invalid key '%s'", key)
		}
	}
	return nil
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given method until
// expireIn has passed
func (f *LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	claims := fileClaims{
		Key:    key,
		Method: method,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(expireIn).Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.signingKey)
	if err != nil {
		return "", err
	}

	segments := strings.Split(key, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     strings.TrimSuffix(f.publicURL.Path, "/") + filesPath + strings.Join(segments, "/"),
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return u.String(), nil
}

func (f *LocalFilesystem) verify(token string) (*fileClaims, error) {
	claims := &fileClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return f.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	key := mux.Vars(r)["key"]

	claims, err := f.verify(r.URL.Query().Get("token"))
	if err != nil {
		rlog.WithError(err).Errorf("invalid token for key '%s'", key)
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	if claims.Key != key || string(claims.Method) != r.Method {
		rlog.Errorf("token valid for %s '%s', but was used for %s '%s'", claims.Method, claims.Key, r.Method, key)
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	if err := validKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(f.baseFolder, filepath.FromSlash(key))
	rlog.Infof("Filesystem: [%s] key: '%s'", r.Method, key)
	switch r.Method {
	case http.MethodGet:
		http.ServeFile(w, r, filePath)
	case http.MethodPut:
		if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
			rlog.WithError(err).Errorf("Error 1202: Could not create folder for key: '%s'", key)
			http.Error(w, "Error 1202", http.StatusInternalServerError)
			return
		}
		dst, err := os.Create(filePath)
		if err != nil {
			rlog.WithError(err).Errorf("Error 1203: Could not create file for key: '%s'", key)
			http.Error(w, "Error 1203", http.StatusInternalServerError)
			return
		}
		defer dst.Close()
		if _, err := io.Copy(dst, r.Body); err != nil {
			rlog.WithError(err).Errorf("Error 1204: Could not write file for key: '%s'", key)
			http.Error(w, "Error 1204", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
