package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chordfinder/api/internal/auth"
	"github.com/chordfinder/api/internal/client"
	"github.com/chordfinder/api/internal/config"
	"github.com/chordfinder/api/internal/handler"
	"github.com/chordfinder/api/internal/middleware"
	"github.com/chordfinder/api/internal/orchestrator"
	"github.com/chordfinder/api/internal/service"
	"github.com/chordfinder/api/internal/store"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testWebhookSecret = "whsec_e2e"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store *store.Store
}

// stubProvider answers the full analysis protocol with a canned
// result, no network involved.
type stubProvider struct{}

func (stubProvider) CreateUploadSlot(ctx context.Context, fileName string) (*client.UploadSlot, error) {
	return &client.UploadSlot{URL: "https://uploads.example/slot", S3Path: "tmp/e2e"}, nil
}

func (stubProvider) UploadPayload(ctx context.Context, uploadURL string, data []byte, onProgress func(float64)) error {
	return nil
}

func (stubProvider) CreateAsset(ctx context.Context, fileName, s3Path string) (string, error) {
	return "asset-e2e", nil
}

func (stubProvider) AwaitAssetReady(ctx context.Context, assetID string) (*client.Asset, error) {
	return &client.Asset{ID: assetID, UploadComplete: true}, nil
}

func (stubProvider) CreateAnalysisTask(ctx context.Context, assetID string) (string, error) {
	return "task-e2e", nil
}

func (stubProvider) AwaitTaskCompletion(ctx context.Context, taskID string) (*client.Asset, error) {
	return &client.Asset{
		ID:             "asset-e2e",
		UploadComplete: true,
		MetaData:       client.AssetMetadata{Key: "C#m", Tempo: 128},
		Stems:          []string{"vocals", "drums"},
	}, nil
}

// setupApp creates a Fiber app wired like main.go but without Redis,
// the queue, or external clients. Only the synchronous paths are
// routed.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	st, err := store.Open(&config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "e2e.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	validate := validator.New()

	orch := orchestrator.New(stubProvider{}, nil)
	analysisService := service.NewAnalysisService(st, nil, orch)
	billingService := service.NewBillingService(st)
	uploadService := service.NewUploadService(nil) // nil storage → uploads disabled

	analysisHandler := handler.NewAnalysisHandler(analysisService, validate)
	uploadHandler := handler.NewUploadHandler(uploadService)
	membershipHandler := handler.NewMembershipHandler(billingService, testWebhookSecret)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"fadr":    false,
				"r2":      false,
				"store":   true,
				"auth":    true,
				"billing": true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)
	app.Post("/webhooks/billing", membershipHandler.Webhook)

	api := app.Group("/api", authMiddleware.Authenticate())

	analysis := api.Group("/analysis")
	analysis.Post("/run", analysisHandler.Run)
	analysis.Get("/", analysisHandler.List)
	analysis.Get("/:jobId", analysisHandler.Get)
	analysis.Delete("/:jobId", analysisHandler.Delete)

	upload := api.Group("/upload")
	upload.Post("/", uploadHandler.Audio)

	api.Get("/membership", membershipHandler.Get)

	return &testApp{app: app, store: st}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "chordfinder-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
