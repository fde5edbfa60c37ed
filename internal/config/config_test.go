package config

import "testing"

func validBase() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080, PublicBaseURL: "https://voice.example.com"},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialflow", SSLMode: ""},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Twilio: TwilioConfig{AccountSID: "AC123", AuthToken: "tok", FromNumber: "+15550001111"},
		Stream: StreamConfig{TokenSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validBase()
	c.App.Env = "production"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLModeAndBilling(t *testing.T) {
	c := validBase()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Billing.Currency != "USD" {
		t.Fatalf("expected USD default currency, got %q", c.Billing.Currency)
	}
	if c.Stream.TokenTTL <= 0 {
		t.Fatalf("expected default stream token TTL")
	}
}

func TestValidate_RequiresTwilioAndStreamSecret(t *testing.T) {
	c := validBase()
	c.Twilio.FromNumber = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing caller id")
	}

	c = validBase()
	c.Stream.TokenSecret = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing stream token secret")
	}
}

func TestMediaStreamURL_SwapsScheme(t *testing.T) {
	c := validBase()
	if got := c.MediaStreamURL(); got != "wss://voice.example.com/media-stream" {
		t.Fatalf("unexpected media stream url: %q", got)
	}
}
