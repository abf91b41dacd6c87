// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatplug/chatplug/pkg/errutil"
)

func TestDownload_Success(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	data, err := c.Download(context.Background(), "alice", "translator", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), data)
	assert.Equal(t, "/api/v1/marketplace/plugins/download/alice/translator/1.2.0", gotPath)
}

func TestDownload_DefaultsToLatest(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Download(context.Background(), "alice", "translator", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/marketplace/plugins/download/alice/translator/latest", gotPath)
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	data, err := c.Download(context.Background(), "alice", "translator", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("finally"), data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownload_NotFoundFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Download(context.Background(), "alice", "missing", "1.0.0")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MARKETPLACE_DOWNLOAD_FAILED")
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}
