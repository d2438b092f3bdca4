package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(srv.URL, 3)
	body, err := c.Get(context.Background(), "/anything")
	if err != nil || string(body) != "hello" {
		t.Fatalf("Get() = %q, %v; want hello, nil", body, err)
	}
}

func TestGetRetriesOn204ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte("ready"))
	}))
	defer srv.Close()

	c := New(srv.URL, 5)
	c.HTTP.Timeout = 2 * time.Second
	body, err := c.Get(context.Background(), "/x")
	if err != nil || string(body) != "ready" {
		t.Fatalf("Get() = %q, %v; want ready, nil", body, err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d; want 3", calls)
	}
}

func TestGetExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, 2)
	_, err := c.Get(context.Background(), "/x")
	if err == nil {
		t.Fatalf("Get() err = nil; want ErrRetriesExhausted")
	}
	var exhausted *ErrRetriesExhausted
	if !asExhausted(err, &exhausted) {
		t.Fatalf("Get() err = %v (%T); want *ErrRetriesExhausted", err, err)
	}
}

func TestPostSuccess(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 5)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 3)
	if err := c.Post(context.Background(), "/x", []byte("hello")); err != nil {
		t.Fatalf("Post() err = %v", err)
	}
	if gotBody != "hello" {
		t.Fatalf("server saw body %q; want hello", gotBody)
	}
}

func TestGetContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(srv.URL, 0)
	if _, err := c.Get(ctx, "/x"); err == nil {
		t.Fatalf("Get() with canceled context: err = nil; want error")
	}
}

func asExhausted(err error, target **ErrRetriesExhausted) bool {
	e, ok := err.(*ErrRetriesExhausted)
	if ok {
		*target = e
	}
	return ok
}
