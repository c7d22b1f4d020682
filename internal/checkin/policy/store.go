package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"ms-checkin/internal/config"
)

const keyPrefix = "scan_policy:"

// Store reads event-level scan settings published to Redis by the events
// service. Events without an entry fall back to the org-wide defaults.
type Store struct {
	Client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{Client: client}
}

func (s *Store) EventScanPolicy(ctx context.Context, eventID string) (*config.ScanPolicyOverride, error) {
	if eventID == "" {
		return nil, nil
	}

	raw, err := s.Client.Get(ctx, keyPrefix+eventID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan policy for event %s: %w", eventID, err)
	}

	var override config.ScanPolicyOverride
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return nil, fmt.Errorf("invalid scan policy for event %s: %w", eventID, err)
	}
	return &override, nil
}
