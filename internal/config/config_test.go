package config

import "testing"

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "leadflow", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Queue: QueueConfig{Workers: 4},
		Scheduler: SchedulerConfig{
			DueBatch: 500,
		},
		Gateway:  GatewayConfig{BaseURL: "http://gateway.local"},
		Handover: HandoverConfig{CRMURL: "http://crm.local", CRMKey: "k"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	c.Gateway.APIKey = "k"
	c.Webhook.Secret = "s"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without gateway key and webhook secret")
	}
}

func TestValidate_RequiresAtLeastOneDestination(t *testing.T) {
	c := validConfig()
	c.Handover = HandoverConfig{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing handover destinations")
	}
}

func TestValidate_BoberdooRequiresCredentials(t *testing.T) {
	c := validConfig()
	c.Handover = HandoverConfig{BoberdooURL: "http://api.boberdoo.local"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for boberdoo url without src/type/key")
	}
}
