package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
)

func TestHTTPClient_FetchKlines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[[1000,"10.0","11.0","9.0","10.5",0,2000],[2000,"10.5","12.0","10.0","11.5",0,3000]]`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, WithPacing(0))
	defer c.Close()

	candles, err := c.FetchKlines(context.Background(), "SOLUSDT", domain.TF1m, 2)
	if err != nil {
		t.Fatalf("FetchKlines: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	if candles[0].Close != 10.5 || candles[0].CloseTime != 2000 {
		t.Errorf("unexpected first candle: %+v", candles[0])
	}
	if candles[1].Open != 10.5 {
		t.Errorf("unexpected second candle open: %+v", candles[1])
	}
}

func TestHTTPClient_FetchSpotPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":"123.45"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, WithPacing(0))
	defer c.Close()

	price, err := c.FetchSpotPrice(context.Background(), "SOLUSDT")
	if err != nil {
		t.Fatalf("FetchSpotPrice: %v", err)
	}
	if price != 123.45 {
		t.Errorf("expected 123.45, got %v", price)
	}
}

func TestHTTPClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, WithPacing(0))
	defer c.Close()

	_, err := c.FetchSpotPrice(context.Background(), "SOLUSDT")
	if err == nil {
		t.Fatal("expected error")
	}
	if !coreerr.Is(err, coreerr.RateLimited) {
		t.Errorf("expected RateLimited kind, got %v", coreerr.KindOf(err))
	}
}

func TestHTTPClient_RetriesTransientFaults(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":"1.0"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, WithPacing(0), WithFetchBaseWait(time.Millisecond))
	defer c.Close()

	price, err := c.FetchSpotPrice(context.Background(), "SOLUSDT")
	if err != nil {
		t.Fatalf("FetchSpotPrice: %v", err)
	}
	if price != 1.0 {
		t.Errorf("expected 1.0, got %v", price)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestHTTPClient_SerializesRequests(t *testing.T) {
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":"1.0"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, WithPacing(0))
	defer c.Close()

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			c.FetchSpotPrice(context.Background(), "SOLUSDT")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if maxInFlight.Load() != 1 {
		t.Errorf("expected at most 1 in-flight vendor call, saw %d", maxInFlight.Load())
	}
}
