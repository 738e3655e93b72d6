package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rpcOK(w http.ResponseWriter, id uint64, result interface{}) {
	resp := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      uint64      `json:"id"`
		Result  interface{} `json:"result"`
	}{"2.0", id, result}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func decodeRequest(t *testing.T, r *http.Request) rpcRequest {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestHTTPClient_GetAccountInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if req.Method != "getAccountInfo" {
			t.Errorf("expected getAccountInfo, got %s", req.Method)
		}
		rpcOK(w, req.ID, map[string]interface{}{
			"value": map[string]interface{}{
				"lamports":   1000000,
				"owner":      "11111111111111111111111111111111",
				"data":       []string{"", "base64"},
				"executable": false,
				"rentEpoch":  361,
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	info, err := client.GetAccountInfo(context.Background(), "somepubkey")
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info.Lamports != 1000000 {
		t.Errorf("expected lamports 1000000, got %d", info.Lamports)
	}
}

func TestHTTPClient_GetAccountInfo_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		rpcOK(w, req.ID, map[string]interface{}{"value": nil})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	info, err := client.GetAccountInfo(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil info for missing account, got %+v", info)
	}
}

func TestHTTPClient_GetLatestBlockhash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if req.Method != "getLatestBlockhash" {
			t.Errorf("expected getLatestBlockhash, got %s", req.Method)
		}
		rpcOK(w, req.ID, map[string]interface{}{
			"value": map[string]interface{}{
				"blockhash":            "abc123",
				"lastValidBlockHeight": 500,
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	bh, err := client.GetLatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("GetLatestBlockhash: %v", err)
	}
	if bh.Blockhash != "abc123" || bh.LastValidBlockHeight != 500 {
		t.Errorf("unexpected blockhash: %+v", bh)
	}
}

func TestHTTPClient_SendTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if req.Method != "sendTransaction" {
			t.Errorf("expected sendTransaction, got %s", req.Method)
		}
		rpcOK(w, req.ID, "sig123")
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	sig, err := client.SendTransaction(context.Background(), "base64tx", false)
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if sig != "sig123" {
		t.Errorf("expected sig123, got %s", sig)
	}
}

func TestHTTPClient_GetSignatureStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if req.Method != "getSignatureStatuses" {
			t.Errorf("expected getSignatureStatuses, got %s", req.Method)
		}
		confirmations := int64(10)
		rpcOK(w, req.ID, map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{
					"slot":               123,
					"confirmations":      confirmations,
					"err":                nil,
					"confirmationStatus": "confirmed",
				},
				nil,
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	statuses, err := client.GetSignatureStatuses(context.Background(), []string{"sig1", "sig2"})
	if err != nil {
		t.Fatalf("GetSignatureStatuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Confirmed() {
		t.Error("expected first status confirmed")
	}
	if statuses[1] != nil {
		t.Error("expected second status nil for unknown signature")
	}
}

func TestHTTPClient_RetriesOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		req := decodeRequest(t, r)
		rpcOK(w, req.ID, int64(12345))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(1), WithMaxRetries(5))
	slot, err := client.GetSlot(context.Background())
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if slot != 12345 {
		t.Errorf("expected slot 12345, got %d", slot)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}
