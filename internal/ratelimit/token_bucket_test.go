package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidatesConfig(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, Config{Capacity: 1, Window: time.Second}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, Config{Capacity: 0, Window: time.Second}); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, Config{Capacity: 5, Window: 0}); err == nil {
		t.Fatal("expected error for zero window")
	}

	bucket, err := NewRedisTokenBucket(client, Config{Capacity: 30, Window: time.Minute})
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if bucket.perMS != 30.0/60000.0 {
		t.Fatalf("unexpected refill rate %v", bucket.perMS)
	}
	if bucket.ttl != 2*time.Minute {
		t.Fatalf("unexpected ttl %s", bucket.ttl)
	}
}

func TestBucketKeysPerClientAndRoute(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	bucket, err := NewRedisTokenBucket(client, Config{Capacity: 1, Window: time.Second})
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	cases := []struct {
		client, route, want string
	}{
		{"203.0.113.9", "/predict", "skinsight:ratelimit:203.0.113.9:/predict"},
		{"203.0.113.9", "/v1/diagnoses", "skinsight:ratelimit:203.0.113.9:/v1/diagnoses"},
		{"  ", "/predict", "skinsight:ratelimit:anonymous:/predict"},
	}
	for _, tc := range cases {
		if got := bucket.key(Subject(tc.client, tc.route)); got != tc.want {
			t.Errorf("key for %q on %s = %q, want %q", tc.client, tc.route, got, tc.want)
		}
	}

	custom, err := NewRedisTokenBucket(client, Config{Capacity: 1, Window: time.Second, KeyPrefix: " edge "})
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if got := custom.key("a:/predict"); got != "edge:a:/predict" {
		t.Fatalf("unexpected custom key %q", got)
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name  string
		reply []int64
		want  Decision
	}{
		{"allowed", []int64{1, 4, 0}, Decision{Allowed: true, Remaining: 4}},
		{"denied", []int64{0, 0, 1500}, Decision{Remaining: 0, RetryAfter: 1500 * time.Millisecond}},
		{"denied without wait still backs off", []int64{0, 0, 0}, Decision{RetryAfter: time.Millisecond}},
		{"negative remaining clamps", []int64{0, -1, 20}, Decision{RetryAfter: 20 * time.Millisecond}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decide(tc.reply)
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if got != tc.want {
				t.Fatalf("decide(%v) = %+v, want %+v", tc.reply, got, tc.want)
			}
		})
	}

	if _, err := decide([]int64{1, 2}); err == nil {
		t.Fatal("expected error for a short reply")
	}
}
