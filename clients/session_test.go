package clients

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func TestSessionSendsHeadersAndReadsBody(t *testing.T) {
	var gotReferer, gotOrigin string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotOrigin = r.Header.Get("Origin")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer ts.Close()

	s := NewStandardSession(SessionConfig{})
	h := NewHeaders()
	h.Set("Referer", "https://page.example/watch")
	h.Set("Origin", "https://page.example")

	resp, err := s.Get(context.Background(), ts.URL, h, Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", resp.Text())
	require.Equal(t, "https://page.example/watch", gotReferer)
	require.Equal(t, "https://page.example", gotOrigin)
}

func TestSessionDecodesGzipWithExplicitAcceptEncoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write([]byte("#EXTM3U\n"))
		_ = gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer ts.Close()

	s := NewStandardSession(SessionConfig{})
	h := NewHeaders()
	// Setting Accept-Encoding by hand disables net/http auto-decompression,
	// which is exactly the case captured browser headers put us in.
	h.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := s.Get(context.Background(), ts.URL, h, Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "#EXTM3U\n", resp.Text())
}

func TestSessionDecodesBrotli(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		br := brotli.NewWriter(&buf)
		_, _ = br.Write([]byte("#EXTM3U\ncompressed"))
		_ = br.Close()
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer ts.Close()

	s := NewStandardSession(SessionConfig{})
	resp, err := s.Get(context.Background(), ts.URL, NewHeaders(), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "#EXTM3U\ncompressed", resp.Text())
}

func TestSessionNoRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer ts.Close()

	s := NewStandardSession(SessionConfig{})
	resp, err := s.Get(context.Background(), ts.URL, NewHeaders(), Options{Timeout: 5 * time.Second, NoRedirects: true})
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestSessionCookiesCarryAcrossRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123"})
		_, _ = w.Write([]byte("#EXTM3U\n"))
	})
	var segmentCookie string
	mux.HandleFunc("/segment", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			segmentCookie = c.Value
		}
		_, _ = w.Write([]byte{0x47})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	s := NewStandardSession(SessionConfig{})
	_, err := s.Get(context.Background(), ts.URL+"/playlist", NewHeaders(), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	_, err = s.Get(context.Background(), ts.URL+"/segment", NewHeaders(), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "abc123", segmentCookie)
}

func TestSessionStreamMode(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 3*1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	s := NewStandardSession(SessionConfig{})
	resp, err := s.Get(context.Background(), ts.URL, NewHeaders(), Options{Stream: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Body)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Nil(t, resp.Content)
}

func TestImpersonatingSessionFallsBackCleanly(t *testing.T) {
	// Construction never fails under normal conditions; this pins the
	// contract that we always get a usable session back.
	s := NewImpersonatingSession(SessionConfig{})
	require.NotNil(t, s)
	require.NotNil(t, s.HTTPClient())
}
