package signing

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bbsns:signing:"

// finishScript performs the compare-and-set terminal transition server side,
// so multiple API nodes sharing one Redis still authorize exactly once.
var finishScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return redis.error_reply('not_found')
end
local s = cjson.decode(raw)
if s.status ~= ARGV[1] then
	return redis.error_reply('conflict')
end
s.status = ARGV[2]
if ARGV[3] ~= '' then
	s.result = cjson.decode(ARGV[3])
end
if ARGV[4] ~= '' then
	s.reason = ARGV[4]
else
	s.reason = nil
end
local out = cjson.encode(s)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return out
`)

// RedisStore shares sessions across API nodes.
type RedisStore struct {
	rdb *redis.Client
}

var _ SessionStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Save(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisKeyPrefix+s.ID, raw, sessionRetention).Err()
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *RedisStore) Finish(ctx context.Context, id string, from, to Status, res *Result, reason string) (Session, error) {
	var resJSON string
	if res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return Session{}, err
		}
		resJSON = string(b)
	}
	out, err := finishScript.Run(ctx, r.rdb, []string{redisKeyPrefix + id}, string(from), string(to), resJSON, reason).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not_found"):
			return Session{}, ErrNotFound
		case strings.Contains(err.Error(), "conflict"):
			return Session{}, ErrConflict
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		return Session{}, err
	}
	return s, nil
}
