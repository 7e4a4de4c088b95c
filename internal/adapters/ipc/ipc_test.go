package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/inletworks/inlet/internal/adapters/webhook"
	"github.com/inletworks/inlet/internal/credentials"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/pipeline"
	"github.com/inletworks/inlet/internal/storage"
	"github.com/inletworks/inlet/internal/validator"
)

func newSocketServer(t *testing.T) (client *http.Client, secret string, repo *storage.MemoryRepository) {
	t.Helper()
	logger := logging.New(slog.LevelError, "text")

	manager := credentials.NewManager(credentials.NewMemoryStore(), logger, bcrypt.MinCost, time.Hour)
	issued, err := manager.Issue(context.Background(), "ipc-test", []string{models.ScopeWrite}, 0)
	require.NoError(t, err)

	repo = storage.NewMemoryRepository()
	writer := storage.NewWriter(repo, logger)
	p := pipeline.New(manager, nil, validator.New(validator.Options{MaxPayloadBytes: 4096}, nil), writer, logger, 5)

	handler := webhook.NewHandler(p, repo, writer, logger, 4096).ForChannel(models.ChannelSocket)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/notifications", handler.HandleNotifications)
	mux.HandleFunc("/v1/notifications/", handler.HandleNotificationByID)

	socketPath := filepath.Join(t.TempDir(), "inlet.sock")
	server := New(socketPath, mux, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait for the socket to appear.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return client, issued.Plaintext, repo
}

func TestIPC_IngestOverSocket(t *testing.T) {
	client, secret, repo := newSocketServer(t)

	req, err := http.NewRequest(http.MethodPost, "http://unix/v1/notifications",
		strings.NewReader(`{"title":"local producer"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"])

	rec, err := repo.Get(context.Background(), body["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "local producer", rec.Title)
}

func TestIPC_SameContractAsWebhook(t *testing.T) {
	client, _, _ := newSocketServer(t)

	req, err := http.NewRequest(http.MethodPost, "http://unix/v1/notifications",
		strings.NewReader(`{"title":"hi"}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
