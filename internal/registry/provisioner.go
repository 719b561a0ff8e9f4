package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/bus"
)

// ACLProvisioner creates per-worker broker users with access limited to the
// queues that worker legitimately touches: its region's task queue, its own
// command queue, the broadcast queue, and the shared result queue.
type ACLProvisioner struct {
	client *redis.Client
}

// NewACLProvisioner connects an admin client for ACL management.
func NewACLProvisioner(brokerURL string) (*ACLProvisioner, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("registry: parse broker url: %w", err)
	}
	return &ACLProvisioner{client: redis.NewClient(opts)}, nil
}

// Provision creates (or replaces) the broker user. SETUSER is idempotent,
// so re-approving a worker simply rotates its password.
func (p *ACLProvisioner) Provision(ctx context.Context, username, password, workerID, region string) error {
	args := []any{
		"ACL", "SETUSER", username,
		"reset", "on", ">" + password,
		"~" + bus.TaskQueue(region),
		"~" + bus.WorkerQueue(workerID),
		"~" + bus.BroadcastQueue,
		"~" + bus.ResultQueue,
		"+@stream", "+@connection", "+@keyspace",
	}
	if err := p.client.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("registry: setuser %s: %w", username, err)
	}
	return nil
}

// Revoke deletes the broker user; in-flight connections are cut.
func (p *ACLProvisioner) Revoke(ctx context.Context, username string) error {
	if err := p.client.Do(ctx, "ACL", "DELUSER", username).Err(); err != nil {
		return fmt.Errorf("registry: deluser %s: %w", username, err)
	}
	return nil
}

// Close releases the admin connection.
func (p *ACLProvisioner) Close() error {
	return p.client.Close()
}
