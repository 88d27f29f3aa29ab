package webconfig

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestHandleConfigServesCurrentSnapshot(t *testing.T) {
	is := is.New(t)
	reload := make(chan struct{}, 1)
	s := New(":0", reload, nil)
	s.SetConfig(map[string]int{"num_terms": 4})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	is.Equal(w.Code, http.StatusOK)
	is.True(len(w.Body.String()) > 0)
}

func TestHandleReloadEnqueuesWithoutApplying(t *testing.T) {
	is := is.New(t)
	reload := make(chan struct{}, 1)
	s := New(":0", reload, nil)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	w := httptest.NewRecorder()
	s.handleReload(w, req)

	is.Equal(w.Code, http.StatusAccepted)
	select {
	case <-reload:
	default:
		t.Fatal("expected a reload request on the channel")
	}
}

func TestHandleReloadDropsWhenQueueFull(t *testing.T) {
	is := is.New(t)
	reload := make(chan struct{}, 1)
	reload <- struct{}{} // fill the queue
	s := New(":0", reload, nil)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	w := httptest.NewRecorder()
	s.handleReload(w, req)

	is.Equal(w.Code, http.StatusTooManyRequests)
}

func TestHandleConfigRejectsNonGet(t *testing.T) {
	is := is.New(t)
	s := New(":0", make(chan struct{}, 1), nil)

	req := httptest.NewRequest(http.MethodPost, "/config", nil)
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	is.Equal(w.Code, http.StatusMethodNotAllowed)
}
