package allocator

import (
	"testing"
	"time"
)

func Test_token_one_shot(t *testing.T) {
	tokens := NewTokens(time.Minute)
	token, err := tokens.Issue()
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if err := tokens.Consume(token); err != nil {
		t.Fatalf("first consume rejected: %v", err)
	}

	if err := tokens.Consume(token); err != ErrUnknownToken {
		t.Fatalf("second consume: got %v, want ErrUnknownToken", err)
	}
}

func Test_token_unknown_rejected(t *testing.T) {
	tokens := NewTokens(time.Minute)
	if err := tokens.Consume("never-issued"); err != ErrUnknownToken {
		t.Fatalf("got %v, want ErrUnknownToken", err)
	}
}

func Test_token_revoke(t *testing.T) {
	tokens := NewTokens(time.Minute)
	token, _ := tokens.Issue()
	tokens.Revoke(token)
	if err := tokens.Consume(token); err != ErrUnknownToken {
		t.Fatalf("got %v, want ErrUnknownToken after revoke", err)
	}
}

func Test_port_lease_no_duplicates(t *testing.T) {
	ports := NewPorts(PortRange{Min: 5000, Max: 5002})

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		p, err := ports.Lease()
		if err != nil {
			t.Fatalf("lease %d failed: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("port %d leased twice", p)
		}
		seen[p] = true
		if p < 5000 || p > 5002 {
			t.Fatalf("leased port %d outside range", p)
		}
	}

	if _, err := ports.Lease(); err != ErrNoFreePort {
		t.Fatalf("4th lease: got %v, want ErrNoFreePort", err)
	}
}

func Test_port_release_allows_release(t *testing.T) {
	ports := NewPorts(PortRange{Min: 6000, Max: 6000})

	p1, err := ports.Lease()
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if _, err := ports.Lease(); err != ErrNoFreePort {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	ports.Release(p1)

	p2, err := ports.Lease()
	if err != nil {
		t.Fatalf("lease after release failed: %v", err)
	}
	if p2 != 6000 {
		t.Fatalf("expected to re-lease 6000, got %d", p2)
	}
}

func Test_port_ephemeral_range(t *testing.T) {
	ports := NewPorts(PortRange{Min: 0, Max: 0})
	p, err := ports.Lease()
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if p != 0 {
		t.Fatalf("expected ephemeral 0, got %d", p)
	}
	if ports.InUse() != 0 {
		t.Fatalf("ephemeral leases should not be tracked, got InUse=%d", ports.InUse())
	}
}
