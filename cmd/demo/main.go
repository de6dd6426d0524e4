// Package main runs the two-factor service with in-memory storage.
// This is useful for:
// - Quick development and testing
// - Demo/prototype environments
// - Learning the API without database setup
//
// Note: All data is lost when the server stops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/redis/go-redis/v9"

	"github.com/verifactor/verifactor/pkg/challenge"
	challengeapi "github.com/verifactor/verifactor/pkg/challenge/api"
	"github.com/verifactor/verifactor/pkg/config"
	"github.com/verifactor/verifactor/pkg/emailcode"
	"github.com/verifactor/verifactor/pkg/enrollment"
	enrollmentapi "github.com/verifactor/verifactor/pkg/enrollment/api"
	"github.com/verifactor/verifactor/pkg/login"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/notification"
	"github.com/verifactor/verifactor/pkg/passkey"
	"github.com/verifactor/verifactor/pkg/ratelimit"
	"github.com/verifactor/verifactor/pkg/recoverycodes"
	"github.com/verifactor/verifactor/pkg/secrets"
	"github.com/verifactor/verifactor/pkg/tokengenerator"
	"github.com/verifactor/verifactor/pkg/totp"
)

// ServerConfig is loaded from the environment
type ServerConfig struct {
	Port          int    `env:"PORT" env-default:"4000"`
	JwtSecret     string `env:"JWT_SECRET" env-default:"demo-dev-secret-change-in-production"`
	Issuer        string `env:"JWT_ISSUER" env-default:"verifactor"`
	Audience      string `env:"JWT_AUDIENCE" env-default:"verifactor-app"`
	EncryptionKey string `env:"ENCRYPTION_KEY" env-default:"demo-encryption-key-32-characters"`
	RedisAddr     string `env:"REDIS_ADDR" env-default:""`
	SMTPEnabled   bool   `env:"SMTP_ENABLED" env-default:"false"`
}

const (
	demoUsername = "demo@example.com"
	demoPassword = "password"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg ServerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	features := config.NewFeaturesFromEnv()
	rateLimits := config.NewRateLimitConfigFromEnv()

	encryptor, err := secrets.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to create encryption service", "error", err)
		os.Exit(1)
	}

	// Shared rate limiter: Redis when configured, in-memory otherwise
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(client, "verifactor")
		slog.Info("Using Redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryLimiter(rateLimits.TwoFactorLoginWindow * 2)
	}

	// Notification transport: SMTP when configured, a logging mock otherwise
	var notifier notification.Notifier
	if cfg.SMTPEnabled {
		emailConfig := config.NewEmailConfigFromEnv()
		smtp, err := notification.NewEmailNotifier(emailConfig.ToSMTPConfig())
		if err != nil {
			slog.Error("Failed to create SMTP notifier", "error", err)
			os.Exit(1)
		}
		notifier = smtp
	} else {
		notifier = &notification.MockNotifier{}
		slog.Info("SMTP disabled, codes are recorded in memory only")
	}
	manager := notification.NewManager(notifier)

	// In-memory storage
	recordRepo := mfa.NewInMemRepository()
	passkeyRepo := passkey.NewInMemRepository()
	credentials := login.NewInMemCredentialRepository()
	pendingStore := challenge.NewInMemPendingLoginStore()

	// Seed the demo account
	hasher := &login.BcryptHasher{}
	accountID := uuid.New()
	hash, err := hasher.Hash(demoPassword)
	if err != nil {
		slog.Error("Failed to hash demo password", "error", err)
		os.Exit(1)
	}
	if err := credentials.SetPasswordHash(context.Background(), accountID, hash); err != nil {
		slog.Error("Failed to seed demo account", "error", err)
		os.Exit(1)
	}
	accounts := map[string]uuid.UUID{demoUsername: accountID}
	slog.Info("Seeded demo account", "username", demoUsername, "password", demoPassword)

	// Method services
	verifier := totp.NewVerifier(cfg.Issuer,
		totp.WithSkew(features.Totp.WindowSteps),
		totp.WithSecretLength(int(features.Totp.SecretLength)))
	emailCodes := emailcode.NewService(recordRepo, encryptor, manager, limiter,
		emailcode.WithCodeLength(features.Email.CodeLength),
		emailcode.WithCodeValidity(features.Email.CodeValidity),
		emailcode.WithNotifyLimit(rateLimits.EmailNotifyLimit, rateLimits.EmailNotifyWindow))
	passkeys, err := passkey.NewService(passkey.Config{
		RelyingPartyID:   features.Passkeys.RelyingPartyID,
		RelyingPartyName: features.Passkeys.RelyingPartyName,
		Origins:          features.Passkeys.RelyingPartyOrigins,
		CeremonyTimeout:  features.Passkeys.ChallengeTimeout,
		MaxPasskeys:      features.Passkeys.MaxPasskeys,
	}, passkeyRepo)
	if err != nil {
		slog.Error("Failed to create passkey service", "error", err)
		os.Exit(1)
	}
	vault := recoverycodes.NewVault(recordRepo, encryptor,
		recoverycodes.WithNumberOfCodes(features.RecoveryCodes.NumberOfCodes))

	// Orchestrators
	checker := login.NewDefaultPasswordChecker(credentials, hasher)
	confirmation := login.NewConfirmationService(checker, features.PasswordConfirmationWindow)
	enrollmentService := enrollment.NewService(recordRepo, encryptor, verifier, emailCodes, passkeys, vault, confirmation, features)

	tokenGen := tokengenerator.NewJwtTokenGenerator(cfg.JwtSecret, cfg.Issuer, cfg.Audience)
	tokens := tokengenerator.NewDefaultTokenService(tokenGen, tokenGen, 0, 0)
	challengeService := challenge.NewService(enrollmentService, recordRepo, encryptor, verifier, emailCodes,
		passkeys, vault, pendingStore, limiter, tokens, rateLimits, features)

	cookies := tokengenerator.NewDefaultTokenCookieService("/", true, false, http.SameSiteLaxMode)

	// Router
	tokenAuth := jwtauth.New("HS256", []byte(cfg.JwtSecret), nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/login", loginHandler(accounts, checker, enrollmentService, challengeService, tokens, cookies))
	r.Mount("/challenge", challengeapi.NewHandle(challengeService, cookies).Routes())

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(tokenAuth))
		r.Use(jwtauth.Authenticator(tokenAuth))
		r.Mount("/twofactor", enrollmentapi.NewHandle(enrollmentService).Routes())
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting two-factor demo service", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Method   string `json:"method,omitempty"`
}

// loginHandler runs the first factor and either issues tokens directly or
// opens a second-factor challenge
func loginHandler(
	accounts map[string]uuid.UUID,
	checker login.PasswordChecker,
	enrollmentService *enrollment.Service,
	challengeService *challenge.Service,
	tokens tokengenerator.TokenService,
	cookies tokengenerator.TokenCookieService,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"message": "unable to parse body"})
			return
		}

		accountID, ok := accounts[req.Username]
		if ok {
			match, err := checker.CheckPassword(r.Context(), accountID, req.Password)
			if err != nil {
				slog.Error("Password check failed", "error", err)
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, map[string]string{"message": "internal error"})
				return
			}
			ok = match
		}
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"message": "invalid username or password"})
			return
		}

		methods, err := enrollmentService.EnabledMethods(r.Context(), accountID)
		if err != nil {
			slog.Error("Failed to load enabled methods", "error", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "internal error"})
			return
		}

		// No second factor enrolled: the password alone completes the login
		if len(methods) == 0 {
			issued, err := tokens.GenerateTokens(accountID.String(), nil)
			if err != nil {
				slog.Error("Failed to issue tokens", "error", err)
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, map[string]string{"message": "internal error"})
				return
			}
			if err := cookies.SetTokensCookie(w, issued); err != nil {
				slog.Error("Failed to set token cookies", "error", err)
			}
			body := make(map[string]string, len(issued))
			for _, token := range issued {
				body[token.Name] = token.Token
			}
			render.JSON(w, r, body)
			return
		}

		pending, selection, err := challengeService.Start(r.Context(), accountID, req.Username, req.Username, mfa.Method(req.Method))
		if err != nil {
			slog.Error("Failed to start challenge", "error", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "internal error"})
			return
		}

		body := map[string]interface{}{
			"pending_login_id": pending.ID,
			"methods":          methods,
		}
		if selection != nil {
			body["selected"] = selection.Method
			if selection.Assertion != nil {
				body["options"] = selection.Assertion
			}
		}
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, body)
	}
}
