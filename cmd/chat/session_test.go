package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"chatstate/config"
	"chatstate/controllers"
	"chatstate/models"
	"chatstate/routes"
	"chatstate/services"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestRun_ChatSession(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cc := controllers.NewConversationController(services.NewMemoryRepository(), services.EchoResponder{}, logger)
	srv := httptest.NewServer(routes.SetupRouter(cc, nil, logger))
	defer srv.Close()

	cfg := config.Default()
	cfg.Client.APIURL = srv.URL
	cfg.Client.Agent = "pumps"
	cfg.Logging.Level = "error"

	input := strings.Join([]string{
		"hello",
		"/list",
		"/new",
		"/open 1",
		"/open 7",
		"/delete 1",
		"/list",
		"/bogus",
		"/quit",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, run(cfg, strings.NewReader(input), &out))

	got := out.String()
	assert.Contains(t, got, "no conversations yet")
	assert.Equal(t, 2, strings.Count(got, "bot [pumps] hello"))
	assert.Contains(t, got, "*  1. hello")
	assert.Contains(t, got, "new conversation")
	assert.Contains(t, got, "error: no conversation #7, run /list")
	assert.Contains(t, got, "deleted ")
	assert.Contains(t, got, "error: unknown command /bogus")
}

func TestRenderer(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m1 := models.Message{ID: "a", Text: "one", Sender: models.SenderUser, Timestamp: ts}
	m2 := models.Message{ID: "b", Text: "two", Sender: models.SenderBot, Timestamp: ts}
	m3 := models.Message{ID: "c", Text: "three", Sender: models.SenderUser, Timestamp: ts}

	r.render(services.Snapshot{Messages: []models.Message{m1}, IsLoading: true})
	r.render(services.Snapshot{Messages: []models.Message{m1, m2}})
	assert.Equal(t, 1, strings.Count(out.String(), "you one"))
	assert.Equal(t, 1, strings.Count(out.String(), "bot two"))
	assert.Equal(t, 1, strings.Count(out.String(), "..."))

	out.Reset()
	r.render(services.Snapshot{Messages: []models.Message{m3, m2}, CurrentConversationID: "c2"})
	assert.Contains(t, out.String(), "--- conversation c2 ---")
	assert.Contains(t, out.String(), "you three")
	assert.Contains(t, out.String(), "bot two")

	out.Reset()
	r.render(services.Snapshot{Messages: []models.Message{}})
	r.render(services.Snapshot{Messages: []models.Message{m1}})
	assert.NotContains(t, out.String(), "---")
	assert.Contains(t, out.String(), "you one")
}

func TestResolveConversation(t *testing.T) {
	convs := []models.Conversation{{ID: "c1"}, {ID: "c2"}}

	id, err := resolveConversation(convs, "2")
	require.NoError(t, err)
	assert.Equal(t, "c2", id)

	id, err = resolveConversation(convs, "c9")
	require.NoError(t, err)
	assert.Equal(t, "c9", id)

	_, err = resolveConversation(convs, "0")
	assert.Error(t, err)
	_, err = resolveConversation(convs, "")
	assert.Error(t, err)
}
