// Package config loads service configuration from the environment.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Fitting struct {
		WorkerCount   int           `env:"FIT_WORKER_COUNT" envDefault:"4"`
		MaxIterations int           `env:"FIT_MAX_ITERATIONS" envDefault:"200"`
		StepTol       float64       `env:"FIT_STEP_TOL" envDefault:"1e-10"`
		GradTol       float64       `env:"FIT_GRAD_TOL" envDefault:"1e-10"`
		Timeout       time.Duration `env:"FIT_TIMEOUT" envDefault:"30s"`
		ODEAbsTol     float64       `env:"ODE_ABS_TOL" envDefault:"1e-9"`
		ODERelTol     float64       `env:"ODE_REL_TOL" envDefault:"1e-9"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Development leans on verbose logs unless LOG_LEVEL is set explicitly;
	// the struct default always fills Logging.Level, so check the variable.
	if _, set := os.LookupEnv("LOG_LEVEL"); cfg.Environment == "development" && !set {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}
