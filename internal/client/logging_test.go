package client_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kvasir-sync/internal/client"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

func TestClientRequestLogging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/runs/") {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := client.New(srv.URL, nil).WithLogger(logger)

	_, err := c.ListJobs(context.Background(), models.JobTypeSWE)
	require.NoError(t, err)
	_, err = c.GetRun(context.Background(), "R1")
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, `msg="request completed" method=GET path=/jobs`)
	assert.Contains(t, out, `query="type=swe"`)
	assert.Contains(t, out, `msg="request rejected" method=GET path=/runs/R1`)
	assert.Contains(t, out, "status=404")
}
