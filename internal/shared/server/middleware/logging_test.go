package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestLoggingIncludesRequiredFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID(), Session(), Logging())
	router.GET("/test", func(c *gin.Context) {
		c.Set("messageId", int64(4))
		c.Set("jobStatus", "analyzing")
		c.Set("statusTransition", "configuring->analyzing")
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() {
		os.Stdout = origStdout
	}()

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Session-Id", "session-1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	_ = w.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("read log output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 {
		t.Fatalf("expected log output")
	}
	last := lines[len(lines)-1]
	var payload map[string]any
	if err := json.Unmarshal([]byte(last), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}

	required := []string{"request_id", "session_id", "message_id", "job_status", "duration_ms", "status", "status_transition"}
	for _, key := range required {
		if _, ok := payload[key]; !ok {
			t.Fatalf("missing log field: %s", key)
		}
	}
	if payload["session_id"] != "session-1" {
		t.Fatalf("unexpected session_id: %v", payload["session_id"])
	}
	if payload["job_status"] != "analyzing" {
		t.Fatalf("unexpected job_status: %v", payload["job_status"])
	}
	if payload["status_transition"] != "configuring->analyzing" {
		t.Fatalf("unexpected status_transition: %v", payload["status_transition"])
	}
}

func TestSessionMiddlewareMintsAndEchoesID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Session())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"session": SessionIDFromContext(c)})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	minted := resp.Header().Get("X-Session-Id")
	if minted == "" {
		t.Fatalf("expected minted session id header")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.Header.Set("X-Session-Id", minted)
	resp2 := httptest.NewRecorder()
	router.ServeHTTP(resp2, req2)
	if got := resp2.Header().Get("X-Session-Id"); got != minted {
		t.Fatalf("expected echoed session id %q, got %q", minted, got)
	}
}
