package sipengine

import "testing"

func TestPortPoolAllocatesEvenPortsInRange(t *testing.T) {
	pool := newPortPool(10000, 10010)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := pool.allocate()
		if err != nil {
			t.Fatalf("allocate %d failed: %v", i, err)
		}
		if port%2 != 0 {
			t.Errorf("allocated odd port %d", port)
		}
		if port < 10000 || port >= 10010 {
			t.Errorf("port %d outside range [10000, 10010)", port)
		}
		if seen[port] {
			t.Errorf("port %d allocated twice", port)
		}
		seen[port] = true
	}

	if _, err := pool.allocate(); err == nil {
		t.Fatal("expected exhaustion error, got nil")
	}
}

func TestPortPoolReleaseMakesPortReusable(t *testing.T) {
	pool := newPortPool(20000, 20002)

	port, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if _, err := pool.allocate(); err == nil {
		t.Fatal("pool should be exhausted")
	}

	pool.release(port)
	again, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate after release failed: %v", err)
	}
	if again != port {
		t.Errorf("allocate = %d, want released port %d", again, port)
	}
}

func TestPortPoolRoundsOddMinUp(t *testing.T) {
	pool := newPortPool(30001, 30004)

	port, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if port != 30002 {
		t.Errorf("port = %d, want 30002", port)
	}
	if _, err := pool.allocate(); err == nil {
		t.Fatal("expected exhaustion after single port")
	}
}

func TestPortPoolIgnoresForeignRelease(t *testing.T) {
	pool := newPortPool(40000, 40002)

	pool.release(9999)
	first, err := pool.allocate()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if first != 40000 {
		t.Errorf("port = %d, want 40000", first)
	}
	if _, err := pool.allocate(); err == nil {
		t.Fatal("foreign release should not add capacity")
	}
}
