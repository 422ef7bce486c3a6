/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package counter

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/redis/go-redis/v9"
)

// incrScript checks the limit, increments and sets the TTL of a new counter
// in one step. Returns {admitted, value, pttl}.
var incrScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if limit > 0 and cur + amount > limit then
	return {0, cur, redis.call('PTTL', KEYS[1])}
end
local v = redis.call('INCRBY', KEYS[1], amount)
local pttl = redis.call('PTTL', KEYS[1])
if pttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	pttl = ttl
end
return {1, v, pttl}
`)

type Redis struct {
	instName string
	log      log.Logger

	client *redis.Client
	prefix string
}

func NewRedis(_, instName string, _ []string) (module.Module, error) {
	return &Redis{
		instName: instName,
		log:      log.Logger{Name: "counters.redis"},
	}, nil
}

func (r *Redis) Name() string {
	return "counters.redis"
}

func (r *Redis) InstanceName() string {
	return r.instName
}

func (r *Redis) Init(cfg *config.Map) error {
	var (
		addr, username, password string
		db                       int
		useTLS                   bool
		dialTimeout              time.Duration
	)
	cfg.Bool("debug", true, false, &r.log.Debug)
	cfg.String("addr", false, true, "", &addr)
	cfg.String("username", false, false, "", &username)
	cfg.String("password", false, false, "", &password)
	cfg.Int("db", false, false, 0, &db)
	cfg.Bool("tls", false, false, &useTLS)
	cfg.Duration("dial_timeout", false, false, 5*time.Second, &dialTimeout)
	cfg.String("key_prefix", false, false, "sendpolicy:", &r.prefix)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	opts := &redis.Options{
		Addr:        addr,
		Username:    username,
		Password:    password,
		DB:          db,
		DialTimeout: dialTimeout,
	}
	if useTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	r.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.client.Close()
		return fmt.Errorf("%s: %w", r.Name(), err)
	}
	r.log.Debugf("connected to %s", addr)
	return nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, prefix string) *Redis {
	return &Redis{
		log:    log.Logger{Name: "counters.redis"},
		client: client,
		prefix: prefix,
	}
}

func (r *Redis) IncrementWithTTL(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (module.CounterResult, error) {
	res, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, amount, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return module.CounterResult{}, exterrors.WithFields(err, map[string]interface{}{
			"key": key,
		})
	}
	if len(res) != 3 {
		return module.CounterResult{}, fmt.Errorf("counters.redis: unexpected script result: %v", res)
	}

	var ttlLeft time.Duration
	if res[2] > 0 {
		ttlLeft = time.Duration(res[2]) * time.Millisecond
	}
	return module.CounterResult{
		Admitted: res[0] == 1,
		Value:    res[1],
		TTL:      ttlLeft,
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func init() {
	module.Register("counters.redis", NewRedis)
}
