package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis storage: nil client")

// RedisStorage shares generations across processes and survives restarts.
//
// Layout, with `ns` the namespace:
//
//	<ns>:generations   sorted set, generation name scored by its id
//	<ns>:seq           counter for generation ids
//	<ns>:gen:<id>      hash, cache key -> stored_at (8 bytes, unix nanos) + bytes
type RedisStorage struct {
	rdb         goredis.UniversalClient
	ns          string
	closeClient bool
}

type redisGeneration struct {
	s    *RedisStorage
	id   int64
	name string
}

type RedisConfig struct {
	Client goredis.UniversalClient
	// Namespace for all keys, e.g. the site name.
	Namespace string
	// Set true only if this storage exclusively owns the client.
	CloseClient bool
}

var _ Storage = (*RedisStorage)(nil)

func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "offline-cache"
	}
	return &RedisStorage{rdb: cfg.Client, ns: ns, closeClient: cfg.CloseClient}, nil
}

var openScript = goredis.NewScript(`
local id = redis.call('ZSCORE', KEYS[1], ARGV[1])
if id then return tonumber(id) end
id = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], id, ARGV[1])
return id
`)

// putScript writes the field/value pairs only if the generation still has the expected id.
var putScript = goredis.NewScript(`
local id = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not id or tonumber(id) ~= tonumber(ARGV[2]) then return 0 end
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

var deleteScript = goredis.NewScript(`
local id = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not id then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', ARGV[2] .. id)
return 1
`)

func (s *RedisStorage) generationsKey() string { return s.ns + ":generations" }
func (s *RedisStorage) seqKey() string         { return s.ns + ":seq" }
func (s *RedisStorage) genPrefix() string      { return s.ns + ":gen:" }
func (s *RedisStorage) genKey(id int64) string { return s.genPrefix() + strconv.FormatInt(id, 10) }

func (s *RedisStorage) Open(ctx context.Context, name string) (Generation, error) {
	id, err := openScript.Run(ctx, s.rdb, []string{s.generationsKey(), s.seqKey()}, name).Int64()
	if err != nil {
		return nil, err
	}
	return &redisGeneration{s: s, id: id, name: name}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.rdb.ZScore(ctx, s.generationsKey(), name).Err()
	if err == goredis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.generationsKey(), 0, -1).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.rdb, []string{s.generationsKey()}, name, s.genPrefix()).Int()
	return n == 1, err
}

func (s *RedisStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	gens, err := s.rdb.ZRangeWithScores(ctx, s.generationsKey(), 0, -1).Result()
	if err != nil {
		return Entry{}, false, err
	}
	for _, z := range gens {
		g := &redisGeneration{s: s, id: int64(z.Score)}
		if e, ok, err := g.Match(ctx, key); err != nil || ok {
			return e, ok, err
		}
	}
	return Entry{}, false, nil
}

// Close releases the underlying redis client only when this storage owns it.
func (s *RedisStorage) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (g *redisGeneration) Name() string {
	return g.name
}

func (g *redisGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	b, err := g.s.rdb.HGet(ctx, g.s.genKey(g.id), key).Bytes()
	if err == goredis.Nil {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	if len(b) < 8 {
		return Entry{}, false, errors.New("redis storage: malformed entry " + key)
	}
	return Entry{
		Key:      key,
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))),
		Bytes:    b[8:],
	}, true, nil
}

func (g *redisGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *redisGeneration) PutAll(ctx context.Context, entries []Entry) error {
	args := make([]interface{}, 0, 2+2*len(entries))
	args = append(args, g.name, g.id)
	for _, e := range entries {
		value := make([]byte, 8, 8+len(e.Bytes))
		binary.BigEndian.PutUint64(value, uint64(e.StoredAt.UnixNano()))
		args = append(args, e.Key, append(value, e.Bytes...))
	}
	ok, err := putScript.Run(ctx, g.s.rdb, []string{g.s.generationsKey(), g.s.genKey(g.id)}, args...).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrGenerationDeleted
	}
	return nil
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.s.rdb.HKeys(ctx, g.s.genKey(g.id)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *redisGeneration) Delete(ctx context.Context, key string) (bool, error) {
	n, err := g.s.rdb.HDel(ctx, g.s.genKey(g.id), key).Result()
	return n > 0, err
}
