package integration

import (
	"net/http"
	"os"
	"testing"
	"time"
)

func checkHealthz(t *testing.T, url string) {
	t.Helper()
	if os.Getenv("E2E") == "" {
		t.Skip("set E2E=1 to run end-to-end tests")
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAPIHealthz(t *testing.T)       { checkHealthz(t, "http://localhost:8080/healthz") }
func TestSchedulerHealthz(t *testing.T) { checkHealthz(t, "http://localhost:8081/healthz") }
func TestWorkerHealthz(t *testing.T)    { checkHealthz(t, "http://localhost:8082/healthz") }
func TestWebhookHealthz(t *testing.T)   { checkHealthz(t, "http://localhost:8083/healthz") }
