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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/redis/go-redis/v9"
)

// testConcurrentCap checks that exactly limit increments out of many
// concurrent ones are admitted.
func testConcurrentCap(t *testing.T, store module.CounterStore) {
	t.Helper()

	const (
		limit   = 25
		callers = 100
	)

	var (
		admitted int64
		wg       sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.IncrementWithTTL(context.Background(), "user1", 1, limit, time.Hour)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Admitted {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("%d increments admitted, want %d", admitted, limit)
	}

	res, err := store.IncrementWithTTL(context.Background(), "user2", 1, limit, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Admitted || res.Value != 1 {
		t.Fatal("Counters are not independent:", res)
	}
}

func TestMemory_Cap(t *testing.T) {
	mod, _ := NewMemory("counters.memory", "", nil)
	testConcurrentCap(t, mod.(*Memory))
}

func TestMemory_Expiry(t *testing.T) {
	mod, _ := NewMemory("counters.memory", "", nil)
	m := mod.(*Memory)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		res, err := m.IncrementWithTTL(context.Background(), "k", 1, 2, time.Hour)
		if err != nil || !res.Admitted {
			t.Fatal("Increment", i, "not admitted:", res, err)
		}
	}

	now = now.Add(30 * time.Minute)
	res, _ := m.IncrementWithTTL(context.Background(), "k", 1, 2, time.Hour)
	if res.Admitted {
		t.Fatal("Increment over the limit admitted")
	}
	if res.Value != 2 || res.TTL != 30*time.Minute {
		t.Fatal("Wrong result:", res)
	}

	// TTL is not extended by increments.
	now = now.Add(30 * time.Minute)
	res, _ = m.IncrementWithTTL(context.Background(), "k", 1, 2, time.Hour)
	if !res.Admitted || res.Value != 1 || res.TTL != time.Hour {
		t.Fatal("Counter not reset after TTL:", res)
	}
}

func TestMemory_NoLimit(t *testing.T) {
	mod, _ := NewMemory("counters.memory", "", nil)
	m := mod.(*Memory)
	for i := 0; i < 10; i++ {
		res, _ := m.IncrementWithTTL(context.Background(), "k", 5, 0, time.Hour)
		if !res.Admitted {
			t.Fatal("Not admitted without limit")
		}
	}
}

func testRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisClient(client, "test:"), srv
}

func TestRedis_Cap(t *testing.T) {
	r, _ := testRedis(t)
	testConcurrentCap(t, r)
}

func TestRedis_Expiry(t *testing.T) {
	r, srv := testRedis(t)

	for i := 0; i < 3; i++ {
		res, err := r.IncrementWithTTL(context.Background(), "k", 1, 3, time.Hour)
		if err != nil || !res.Admitted {
			t.Fatal("Increment", i, "not admitted:", res, err)
		}
	}
	if ttl := srv.TTL("test:k"); ttl != time.Hour {
		t.Fatal("Wrong TTL on the key:", ttl)
	}

	res, err := r.IncrementWithTTL(context.Background(), "k", 1, 3, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.Admitted || res.Value != 3 || res.TTL <= 0 {
		t.Fatal("Wrong result over the limit:", res)
	}

	srv.FastForward(time.Hour + time.Second)

	res, err = r.IncrementWithTTL(context.Background(), "k", 1, 3, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Admitted || res.Value != 1 {
		t.Fatal("Counter not reset after TTL:", res)
	}
}

func TestRedis_Init(t *testing.T) {
	srv := miniredis.RunT(t)

	mod, err := NewRedis("counters.redis", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	r := mod.(*Redis)
	err = r.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "addr", Args: []string{srv.Addr()}},
			{Name: "key_prefix", Args: []string{"p:"}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.IncrementWithTTL(context.Background(), "x", 1, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if !srv.Exists("p:x") {
		t.Fatal("Key prefix is not applied")
	}
}
