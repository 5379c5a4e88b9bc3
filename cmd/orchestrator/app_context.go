package main

import (
	"net/http"

	"github.com/forgepipe/orchestrator/internal/backend"
	"github.com/forgepipe/orchestrator/internal/backend/httpbackend"
	"github.com/forgepipe/orchestrator/internal/effects"
	"github.com/forgepipe/orchestrator/internal/logger"
	"github.com/forgepipe/orchestrator/internal/pipeline"
)

// appContext bundles the long-lived collaborators built once at startup
// and threaded through every command.
type appContext struct {
	log     *logger.Logger
	env     envConfig
	deps    pipeline.Deps
	effects *effects.Dispatcher
}

func newAppContext(log *logger.Logger) *appContext {
	env := loadEnvConfig()

	registry := backend.NewRegistry()
	if env.ModalURL != "" {
		_ = registry.Register("modal", httpbackend.New(httpbackend.Config{
			Name: "modal", URL: env.ModalURL, Token: env.ModalToken,
		}))
	}
	if env.RayURL != "" {
		_ = registry.Register("ray", httpbackend.New(httpbackend.Config{
			Name: "ray", URL: env.RayURL,
		}))
	}

	fx := effects.New(log.With("component", "effects"),
		effects.WithSlackWebhookURL(env.SlackWebhookURL),
		effects.WithDiscordWebhookURL(env.DiscordWebhookURL),
		effects.WithHTTPClient(&http.Client{}),
	)

	return &appContext{
		log:     log,
		env:     env,
		deps:    pipeline.Deps{Registry: registry},
		effects: fx,
	}
}
