package worker

import (
	"time"

	"texrender/internal/pkg/logger"
	"texrender/internal/ports"
	"texrender/internal/worker/processor"
)

type Deps struct {
	Queue          Source
	Jobs           processor.JobStore
	Renderer       processor.Renderer
	SP             ports.StorageProvider
	ArtifactPrefix string
	Concurrency    int
	MaxRetries     int
	RetryBackoff   time.Duration
	Log            *logger.Logger
}
