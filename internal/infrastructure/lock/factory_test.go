package lock

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestNew_DefaultsToAdvisory(t *testing.T) {
	l, err := New("", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New(\"\", ...) error = %v", err)
	}
	if _, ok := l.(*AdvisoryLock); !ok {
		t.Fatalf("New(\"\", ...) = %T, want *AdvisoryLock", l)
	}

	l, err = New("advisory", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New(\"advisory\", ...) error = %v", err)
	}
	if _, ok := l.(*AdvisoryLock); !ok {
		t.Fatalf("New(\"advisory\", ...) = %T, want *AdvisoryLock", l)
	}
}

func TestNew_RedisRequiresClient(t *testing.T) {
	if _, err := New("redis", nil, nil, nil, nil); err == nil {
		t.Fatal("New(\"redis\", nil client) should error")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	l, err := New("redis", nil, client, nil, nil)
	if err != nil {
		t.Fatalf("New(\"redis\", ...) error = %v", err)
	}
	if _, ok := l.(*DistributedLock); !ok {
		t.Fatalf("New(\"redis\", ...) = %T, want *DistributedLock", l)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New("memcached", nil, nil, nil, nil); err == nil {
		t.Fatal("New(\"memcached\", ...) should error on an unknown backend")
	}
}
