package stores

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/raillogistic/guard"
)

var _ guard.GroupStore = (*RedisGroupStore)(nil)

// RedisGroupStore keeps group membership in Redis sets, indexed both ways:
// guard:group:{name} holds user ids and guard:user:{id}:groups holds groups.
type RedisGroupStore struct {
	client *redis.Client
	prefix string
}

func NewRedisGroupStore(client *redis.Client) *RedisGroupStore {
	return &RedisGroupStore{client: client, prefix: "guard"}
}

func (r *RedisGroupStore) groupsKey() string { return r.prefix + ":groups" }

func (r *RedisGroupStore) groupKey(name string) string {
	return fmt.Sprintf("%s:group:%s", r.prefix, name)
}

func (r *RedisGroupStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:groups", r.prefix, userID)
}

func (r *RedisGroupStore) EnsureGroup(ctx context.Context, name string) error {
	return r.client.SAdd(ctx, r.groupsKey(), name).Err()
}

func (r *RedisGroupStore) AddMember(ctx context.Context, group, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.groupsKey(), group)
		pipe.SAdd(ctx, r.groupKey(group), userID)
		pipe.SAdd(ctx, r.userKey(userID), group)
		return nil
	})
	return err
}

func (r *RedisGroupStore) RemoveMember(ctx context.Context, group, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.groupKey(group), userID)
		pipe.SRem(ctx, r.userKey(userID), group)
		return nil
	})
	return err
}

func (r *RedisGroupStore) ListMembers(ctx context.Context, group string) ([]string, error) {
	return r.sorted(ctx, r.groupKey(group))
}

func (r *RedisGroupStore) ListGroups(ctx context.Context, userID string) ([]string, error) {
	return r.sorted(ctx, r.userKey(userID))
}

func (r *RedisGroupStore) sorted(ctx context.Context, key string) ([]string, error) {
	res, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(res)
	return res, nil
}
