package ports

import (
	"errors"
	"net"
	"sync"
	"testing"
)

func allFree(int) bool { return true }

func TestReserveReusesPreferredPort(t *testing.T) {
	a, err := New(4100, 4110)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.WithBindTest(allFree)
	res, err := a.Reserve(4105, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Port != 4105 {
		t.Fatalf("expected preferred port, got %d", res.Port)
	}
}

func TestReserveSkipsExcludedAndBlockedPorts(t *testing.T) {
	a, _ := New(4100, 4110)
	a.WithBindTest(func(port int) bool { return port != 4101 })
	res, err := a.Reserve(4100, map[int]struct{}{4100: {}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Port != 4102 {
		t.Fatalf("expected 4102, got %d", res.Port)
	}
}

func TestReserveHoldsInFlightPorts(t *testing.T) {
	a, _ := New(4100, 4101)
	a.WithBindTest(allFree)
	first, err := a.Reserve(0, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := a.Reserve(first.Port, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Port == second.Port {
		t.Fatalf("in-flight port handed out twice: %d", first.Port)
	}
	if _, err := a.Reserve(0, nil); !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	first.Release()
	first.Release()
	again, err := a.Reserve(0, nil)
	if err != nil {
		t.Fatalf("after release: %v", err)
	}
	if again.Port != first.Port {
		t.Fatalf("expected released port %d, got %d", first.Port, again.Port)
	}
}

func TestReserveRangeOfOneExhausts(t *testing.T) {
	a, _ := New(4100, 4100)
	a.WithBindTest(allFree)
	if _, err := a.Reserve(0, map[int]struct{}{4100: {}}); !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("expected ErrNoPortAvailable, got %v", err)
	}
}

func TestReserveConcurrentCallersGetDistinctPorts(t *testing.T) {
	a, _ := New(4100, 4199)
	a.WithBindTest(allFree)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Reserve(0, nil)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[res.Port] {
				t.Errorf("duplicate port %d", res.Port)
			}
			seen[res.Port] = true
		}()
	}
	wg.Wait()
}

func TestCanBindDetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	if CanBind(port) {
		t.Fatalf("expected port %d to be busy", port)
	}
}

func TestNewRejectsInvalidRange(t *testing.T) {
	if _, err := New(5000, 4000); err == nil {
		t.Fatalf("expected error")
	}
}
