package leader

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no endpoints", Config{Key: "/pickpoint/cell-a/arm-leader"}, "endpoint"},
		{"no key", Config{Endpoints: []string{"localhost:2379"}}, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestDefaultIDIsUnique(t *testing.T) {
	a, b := DefaultID(), DefaultID()
	if a == b {
		t.Errorf("DefaultID() repeated %q", a)
	}
}

// TestElection needs etcd: PICKPOINT_TEST_ETCD=localhost:2379
func TestElection(t *testing.T) {
	endpoint := os.Getenv("PICKPOINT_TEST_ETCD")
	if endpoint == "" {
		t.Skip("PICKPOINT_TEST_ETCD not set")
	}
	key := "/pickpoint/test/" + DefaultID()

	first, err := New(Config{Endpoints: []string{endpoint}, Key: key, TTL: 5, ID: "first"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	second, err := New(Config{Endpoints: []string{endpoint}, Key: key, TTL: 5, ID: "second"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer second.Close(context.Background())

	if err := first.Resign(context.Background()); !errors.Is(err, ErrNotLeader) {
		t.Errorf("Resign() before Campaign = %v, want ErrNotLeader", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := first.Campaign(ctx); err != nil {
		t.Fatalf("first Campaign() failed: %v", err)
	}
	if !first.Leading() {
		t.Fatal("first is not leading after Campaign")
	}

	blocked, stop := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer stop()
	if err := second.Campaign(blocked); err == nil {
		t.Fatal("second Campaign() won while first leads")
	}

	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := second.Campaign(ctx); err != nil {
		t.Fatalf("second Campaign() after resign failed: %v", err)
	}
	t.Logf("✅ lease handed over from first to second")
}
