package executor

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/dubbing-pipeline/internal/config"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// NewRegistryFromConfig builds the registry for the configured executor mode.
// Remote stages without an explicit endpoint post to <base_url>/stages/<key>.
func NewRegistryFromConfig(cfg *config.PipelineConfig, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()
	var simulated *Simulated
	client := &http.Client{}

	for _, stage := range domain.AllStages() {
		stageCfg := cfg.Stages[stage.Key()]

		var exec Executor
		switch cfg.Executor {
		case config.ExecutorSimulate, "":
			if simulated == nil {
				simulated = NewSimulated(cfg.SimulatedDelay, logger)
			}
			exec = simulated
		case config.ExecutorRemote:
			endpoint := stageCfg.Endpoint
			if endpoint == "" {
				if cfg.BaseURL == "" {
					return nil, fmt.Errorf("no endpoint configured for %s", stage.Key())
				}
				endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/stages/" + stage.Key()
			}
			exec = NewRemote(client, endpoint, logger)
		default:
			return nil, fmt.Errorf("unsupported executor mode: %q", cfg.Executor)
		}

		registry.Register(stage, exec, stageCfg.Params, stageCfg.Timeout)
	}

	return registry, nil
}
