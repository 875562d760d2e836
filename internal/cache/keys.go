package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// StrategyKey holds the cluster-wide load-balancing strategy.
const StrategyKey = "system:lb_strategy"

func JobResultKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:result:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
