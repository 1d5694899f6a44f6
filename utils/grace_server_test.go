package utils

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServer_ShutdownRunsCleanups(t *testing.T) {
	var order []string
	srv := NewServer("127.0.0.1:0", http.NotFoundHandler(), time.Second, time.Second,
		func() { order = append(order, "chain") },
		func() { order = append(order, "redis") },
	)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	// Shutdown is safe to race with Serve: a late Serve returns ErrServerClosed
	time.Sleep(50 * time.Millisecond)
	srv.shutdownHTTPServer()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, []string{"chain", "redis"}, order)
}
