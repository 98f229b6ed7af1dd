// Package directory remembers principal profiles so organization members can
// be listed without calling the identity provider.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/api/internal/auth"
)

const defaultProfileTTL = 30 * 24 * time.Hour

// Profile is what the directory keeps for each principal it has seen.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SeenAt         time.Time `json:"seen_at"`
}

type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisDirectory(redisURL string) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisDirectoryWithClient(client), nil
}

func NewRedisDirectoryWithClient(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{
		client: client,
		prefix: "folio:",
		ttl:    defaultProfileTTL,
		now:    time.Now,
	}
}

func (d *RedisDirectory) profileKey(principalID string) string {
	return d.prefix + "profile:" + principalID
}

func (d *RedisDirectory) membersKey(organizationID string) string {
	return d.prefix + "org:" + organizationID + ":members"
}

// Remember records the identity's profile and, when it carries one, its
// organization membership.
func (d *RedisDirectory) Remember(ctx context.Context, identity auth.Identity) error {
	if !identity.Authenticated() {
		return nil
	}
	profile := Profile{
		ID:             identity.PrincipalID,
		Name:           identity.Name(),
		Email:          identity.Email,
		AvatarURL:      identity.AvatarURL,
		OrganizationID: identity.OrganizationID,
		SeenAt:         d.now().UTC(),
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	pipe := d.client.TxPipeline()
	pipe.Set(ctx, d.profileKey(profile.ID), data, d.ttl)
	if profile.OrganizationID != "" {
		pipe.SAdd(ctx, d.membersKey(profile.OrganizationID), profile.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remember profile: %w", err)
	}
	return nil
}

// ListOrganization returns the profiles of principals seen in organizationID,
// sorted by name. Members whose profile expired are dropped from the set.
func (d *RedisDirectory) ListOrganization(ctx context.Context, organizationID string) ([]Profile, error) {
	if organizationID == "" {
		return []Profile{}, nil
	}
	ids, err := d.client.SMembers(ctx, d.membersKey(organizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list organization members: %w", err)
	}
	if len(ids) == 0 {
		return []Profile{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.profileKey(id)
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load member profiles: %w", err)
	}

	profiles := make([]Profile, 0, len(ids))
	stale := make([]any, 0)
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var profile Profile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			return nil, fmt.Errorf("unmarshal profile %s: %w", ids[i], err)
		}
		if profile.OrganizationID != organizationID {
			stale = append(stale, ids[i])
			continue
		}
		profiles = append(profiles, profile)
	}
	if len(stale) > 0 {
		if err := d.client.SRem(ctx, d.membersKey(organizationID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune organization members: %w", err)
		}
	}

	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Name == profiles[j].Name {
			return profiles[i].ID < profiles[j].ID
		}
		return profiles[i].Name < profiles[j].Name
	})
	return profiles, nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
