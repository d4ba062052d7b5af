package docstore

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type GatewayConfig struct {
	Addr string `env:"SOCIAL_GATEWAY_ADDR" envDefault:":8654"`
	// empty means memory only, no persistence
	DbPath        string `env:"SOCIAL_GATEWAY_DB"`
	SessionSecret string `env:"SOCIAL_SESSION_SECRET,required"`
}

// LoadGatewayConfig reads the gateway configuration from the
// environment, after loading an optional .env file
func LoadGatewayConfig() (*GatewayConfig, error) {
	// missing .env is fine
	godotenv.Load()

	config := &GatewayConfig{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse gateway env: %w", err)
	}
	return config, nil
}
