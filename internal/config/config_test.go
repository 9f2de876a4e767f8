package config

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmerrifield20/linkdeal/internal/email"
	"github.com/jmerrifield20/linkdeal/internal/idp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.RateLimitRPS != 20 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Auth0.Connection != idp.DefaultConnection {
		t.Errorf("connection = %q", cfg.Auth0.Connection)
	}
	if cfg.Auth0.Timeout != 10*time.Second || cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("durations not decoded: %v %v", cfg.Auth0.Timeout, cfg.Server.ShutdownTimeout)
	}
	if cfg.Maintenance.TokenSchedule != "@hourly" || cfg.Maintenance.LinkingRetention != 24*time.Hour {
		t.Errorf("maintenance = %+v", cfg.Maintenance)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "auth0.domain") {
		t.Errorf("Validate on defaults: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load("testdata")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://admin.linkdeal.com" {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Auth0.RoleIDs["mentor"] != "rol_mentor" {
		t.Errorf("role ids = %v", cfg.Auth0.RoleIDs)
	}
	if cfg.Maintenance.LinkingRetention != 2*time.Hour {
		t.Errorf("retention = %v", cfg.Maintenance.LinkingRetention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	v := cfg.Verifier()
	if v.Domain != "linkdeal.eu.auth0.com" || v.Audience != "https://api.linkdeal.com" || v.Namespace != "https://linkdeal.com" {
		t.Errorf("verifier config = %+v", v)
	}
	p := cfg.Provider()
	if p.ClientID != "mgmt-client" || p.RoleIDs["mentee"] != "rol_mentee" {
		t.Errorf("provider config = %+v", p)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LINKDEAL_AUTH0_DOMAIN", "env.auth0.com")
	t.Setenv("LINKDEAL_SERVER_PORT", "7070")

	cfg, err := Load("testdata")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth0.Domain != "env.auth0.com" || cfg.Server.Port != 7070 {
		t.Errorf("env not applied: domain=%q port=%d", cfg.Auth0.Domain, cfg.Server.Port)
	}
}

func TestNewMailer(t *testing.T) {
	cfg := &Config{}
	if _, ok := cfg.NewMailer(zap.NewNop()).(*email.NoopSender); !ok {
		t.Error("expected noop sender without smtp host")
	}
	cfg.Email.SMTPHost = "smtp.example.com"
	cfg.Email.SMTPPort = 587
	if _, ok := cfg.NewMailer(zap.NewNop()).(*email.SMTPSender); !ok {
		t.Error("expected smtp sender")
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "warn"}.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info enabled at warn level")
	}
	if _, err := (LogConfig{Level: "loud"}).NewLogger(); err == nil {
		t.Error("expected error for unknown level")
	}
}
