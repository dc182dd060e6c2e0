//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/app"
	"github.com/bissquit/alarm-dispatch/internal/config"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/identity"
	pushpostgres "github.com/bissquit/alarm-dispatch/internal/notifications/push/postgres"
	"github.com/bissquit/alarm-dispatch/internal/pkg/postgres"
	"github.com/bissquit/alarm-dispatch/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"
	migrationsPath  = "file://../../migrations"
	jwtSecret       = "integration-test-secret"
	jwtIssuer       = "alarm-dispatch-tests"

	// recipientLimit is kept low so the rate limit test exhausts it quickly.
	recipientLimit = 3

	pushUser = "user-42"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testApp       *app.App
	operatorToken string

	mailpitClient *MailpitClient
	modemGateway  *providerFake
	voiceAPI      *providerFake
	fcm           *providerFake
)

// newTestClient returns an authenticated client that validates responses against OpenAPI.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	return testutil.NewValidatingClient(t, testServer.URL, testValidator).WithToken(operatorToken)
}

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	redisContainer, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			log.Printf("terminate redis: %v", err)
		}
	}()

	mailpitContainer, err := testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("start mailpit: %v", err)
	}
	defer func() {
		if err := mailpitContainer.Terminate(ctx); err != nil {
			log.Printf("terminate mailpit: %v", err)
		}
	}()
	mailpitClient = NewMailpitClient(mailpitContainer.APIHost, mailpitContainer.APIPort)

	modemGateway = newModemGateway()
	defer modemGateway.Close()
	voiceAPI = newVoiceAPI()
	defer voiceAPI.Close()
	fcm = newFCM()
	defer fcm.Close()

	// The modem roster and device tokens must exist before the pool loads them.
	if err := postgres.Migrate(pgContainer.ConnectionString, migrationsPath); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}
	defer testDB.Close()

	if err := seed(ctx); err != nil {
		log.Fatalf("seed database: %v", err)
	}

	cfg := testConfig(pgContainer.ConnectionString, redisContainer.URL, mailpitContainer)

	testApp, err = app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := testApp.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown app: %v", err)
		}
	}()

	testServer = httptest.NewServer(testApp.Router())
	defer testServer.Close()

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	operatorToken, err = identity.NewTokenValidator(jwtSecret, jwtIssuer).IssueToken("oncall@example.com", domain.RoleOperator, time.Hour)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	return m.Run()
}

func seed(ctx context.Context) error {
	if _, err := testDB.Exec(ctx,
		`INSERT INTO sms_modems (name, endpoint, is_enabled) VALUES ($1, $2, TRUE)`,
		"modem-it-1", modemGateway.URL(),
	); err != nil {
		return err
	}

	return pushpostgres.NewTokenStore(testDB).UpsertToken(ctx, domain.DeviceToken{
		UserID:      pushUser,
		DeviceToken: "device-token-1",
		DeviceType:  domain.DeviceTypeAndroid,
	})
}

func testConfig(dbURL, redisURL string, mailpit *testutil.MailpitContainer) *config.Config {
	cfg := config.Default()

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"

	cfg.Database.URL = dbURL
	cfg.Database.MaxOpenConns = 5
	cfg.Database.ConnectAttempts = 3
	cfg.Database.MigrateOnStart = true
	cfg.Database.MigrationsPath = migrationsPath

	cfg.Redis.URL = redisURL
	cfg.Redis.Prefix = "alarms-it:"

	cfg.Log.Level = "error"
	cfg.Log.Format = "text"

	cfg.Auth.JWTSecret = jwtSecret
	cfg.Auth.Issuer = jwtIssuer

	cfg.Flags.EmailMockMode = true

	cfg.RateLimit.RecipientLimit = recipientLimit
	cfg.RateLimit.RecipientWindow = time.Minute

	// Failing probes count against the breaker; keep the voice outage test below the threshold.
	cfg.CircuitBreaker.FailureThreshold = 10
	cfg.CircuitBreaker.ProbeInterval = time.Second

	cfg.Email.Enabled = true
	cfg.Email.FromAddress = "alarms@fleet.example.com"
	cfg.Email.MockSMTPHost = mailpit.SMTPHost
	cfg.Email.MockSMTPPort = mailpit.SMTPPort

	cfg.SMS.Enabled = true
	cfg.SMS.HealthInterval = time.Second

	cfg.Voice.Enabled = true
	cfg.Voice.APIURL = voiceAPI.URL()
	cfg.Voice.APIKey = "voice-key"
	cfg.Voice.Timeout = 5 * time.Second
	cfg.Voice.HealthTimeout = time.Second

	cfg.Push.Enabled = true
	cfg.Push.ServerKey = "fcm-key"
	cfg.Push.Endpoint = fcm.URL() + "/fcm/send"

	cfg.DLQ.AutoInterval = time.Second

	return cfg
}
