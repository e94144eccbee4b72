package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crosslock-labs/crosslock/internal/config"
	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewServer(config.DefaultConfig(), store)
}

func testDetails(seed byte) relay.SwapDetails {
	var id relay.TransferID
	var hl relay.HashLock
	for i := range id {
		id[i] = seed
		hl[i] = seed + 1
	}
	return relay.SwapDetails{
		TransferID: id,
		HashLock:   hl,
		TimeLock:   144,
		Sender:     []byte{seed, 0x01},
		Recipient:  []byte{seed, 0x02},
		Amount:     big.NewInt(100000),
	}
}

func callRPC(t *testing.T, s *Server, method string, params string) *Response {
	t.Helper()

	reqBody := `{"jsonrpc":"2.0","method":"` + method + `","id":1`
	if params != "" {
		reqBody += `,"params":` + params
	}
	reqBody += `}`

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(reqBody))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

func TestRelayInfo(t *testing.T) {
	s := newTestServer(t)

	resp := callRPC(t, s, "relay_info", "")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var info RelayInfoResult
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}

	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.SourceChain != "bitcoin" {
		t.Errorf("SourceChain = %s, want bitcoin", info.SourceChain)
	}
	if info.DestChain != "ethereum" {
		t.Errorf("DestChain = %s, want ethereum", info.DestChain)
	}
}

func TestRelayStatus(t *testing.T) {
	s := newTestServer(t)

	rec := storage.NewTransferRecord(relay.DirectionOneToTwo, testDetails(0x11), storage.TransferStatusLocking)
	if err := s.store.SaveTransfer(rec); err != nil {
		t.Fatalf("failed to save transfer: %v", err)
	}

	resp := callRPC(t, s, "relay_status", "")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var status RelayStatusResult
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}

	if !status.Running {
		t.Error("Running should be true")
	}
	if status.ActiveTransfers != 1 {
		t.Errorf("ActiveTransfers = %d, want 1", status.ActiveTransfers)
	}
	if status.CompletedTransfers != 0 {
		t.Errorf("CompletedTransfers = %d, want 0", status.CompletedTransfers)
	}
}

// fakeRelayStats serves canned live state for the status methods.
type fakeRelayStats struct {
	oneToTwo []relay.ActiveSwap
	twoToOne []relay.ActiveSwap
	watched  int
}

func (f *fakeRelayStats) InFlight(d relay.Direction) []relay.ActiveSwap {
	if d == relay.DirectionOneToTwo {
		return f.oneToTwo
	}
	return f.twoToOne
}

func (f *fakeRelayStats) WatchedOutputs() int { return f.watched }

func TestRelayStatusLiveState(t *testing.T) {
	s := newTestServer(t)
	s.SetRelayStats(&fakeRelayStats{
		oneToTwo: []relay.ActiveSwap{
			{Details: testDetails(0x61), Status: relay.StatusLocking},
			{Details: testDetails(0x62), Status: relay.StatusLocked},
		},
		twoToOne: []relay.ActiveSwap{
			{Details: testDetails(0x63), Status: relay.StatusCompleting},
		},
		watched: 4,
	})

	resp := callRPC(t, s, "relay_status", "")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var status RelayStatusResult
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}

	if status.InFlightOneToTwo != 2 {
		t.Errorf("InFlightOneToTwo = %d, want 2", status.InFlightOneToTwo)
	}
	if status.InFlightTwoToOne != 1 {
		t.Errorf("InFlightTwoToOne = %d, want 1", status.InFlightTwoToOne)
	}
	if status.WatchedOutputs != 4 {
		t.Errorf("WatchedOutputs = %d, want 4", status.WatchedOutputs)
	}
}

func TestTransfersInFlight(t *testing.T) {
	s := newTestServer(t)

	// Without a stats source the method answers empty, not an error.
	resp := callRPC(t, s, "transfers_inFlight", "")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var empty InFlightResult
	if err := json.Unmarshal(data, &empty); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if empty.Count != 0 {
		t.Fatalf("Count = %d, want 0", empty.Count)
	}

	details := testDetails(0x71)
	s.SetRelayStats(&fakeRelayStats{
		oneToTwo: []relay.ActiveSwap{
			{Details: details, Status: relay.StatusLocking, UpdatedAt: time.Now().UTC()},
		},
		twoToOne: []relay.ActiveSwap{
			{Details: testDetails(0x72), Status: relay.StatusCompleting, UpdatedAt: time.Now().UTC()},
		},
	})

	resp = callRPC(t, s, "transfers_inFlight", "")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ = json.Marshal(resp.Result)
	var result InFlightResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("Count = %d, want 2", result.Count)
	}
	if result.Swaps[0].TransferID != details.TransferID.Hex() {
		t.Errorf("TransferID = %s, want %s", result.Swaps[0].TransferID, details.TransferID.Hex())
	}
	if result.Swaps[0].Direction != "1->2" || result.Swaps[1].Direction != "2->1" {
		t.Errorf("directions = %s/%s, want 1->2/2->1", result.Swaps[0].Direction, result.Swaps[1].Direction)
	}
	if result.Swaps[0].Status != string(relay.StatusLocking) {
		t.Errorf("Status = %s, want locking", result.Swaps[0].Status)
	}
	if result.Swaps[0].Amount != "100000" {
		t.Errorf("Amount = %s, want 100000", result.Swaps[0].Amount)
	}
}

func TestTransfersListAndGet(t *testing.T) {
	s := newTestServer(t)

	details := testDetails(0x22)
	rec := storage.NewTransferRecord(relay.DirectionOneToTwo, details, storage.TransferStatusLocked)
	if err := s.store.SaveTransfer(rec); err != nil {
		t.Fatalf("failed to save transfer: %v", err)
	}

	resp := callRPC(t, s, "transfers_list", `{"limit":10}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var list TransfersListResult
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if list.Count != 1 {
		t.Fatalf("Count = %d, want 1", list.Count)
	}
	if list.Transfers[0].TransferID != details.TransferID.Hex() {
		t.Errorf("TransferID = %s, want %s", list.Transfers[0].TransferID, details.TransferID.Hex())
	}

	params := `{"transfer_id":"` + details.TransferID.Hex() + `","direction":"1->2"}`
	resp = callRPC(t, s, "transfers_get", params)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ = json.Marshal(resp.Result)
	var got storage.TransferRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if got.Status != storage.TransferStatusLocked {
		t.Errorf("Status = %s, want %s", got.Status, storage.TransferStatusLocked)
	}
}

func TestTransfersGetValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name        string
		params      string
		errContains string
	}{
		{"missing transfer_id", `{"direction":"1->2"}`, "transfer_id is required"},
		{"missing direction", `{"transfer_id":"abcd"}`, "direction is required"},
		{"unknown transfer", `{"transfer_id":"abcd","direction":"1->2"}`, "failed to get transfer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := callRPC(t, s, "transfers_get", tt.params)
			if resp.Error == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(resp.Error.Message, tt.errContains) {
				t.Errorf("error %q should contain %q", resp.Error.Message, tt.errContains)
			}
		})
	}
}

func TestEventsRecentAndForTransfer(t *testing.T) {
	s := newTestServer(t)

	details := testDetails(0x33)
	events := []relay.Event{
		{ID: uuid.New(), Time: time.Now().UTC(), Chain: "bitcoin", Kind: relay.KindInitiated, Severity: relay.SeverityInfo, Details: details},
		{ID: uuid.New(), Time: time.Now().UTC(), Direction: relay.DirectionOneToTwo, Kind: relay.KindAssetsLocked, Severity: relay.SeverityInfo, Details: details},
		{ID: uuid.New(), Time: time.Now().UTC(), Chain: "ethereum", Kind: relay.KindAlreadyPresentMismatch, Severity: relay.SeverityCritical, Details: testDetails(0x44)},
	}
	for _, ev := range events {
		if err := s.store.AppendEvent(ev); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	resp := callRPC(t, s, "events_recent", `{"limit":10}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var recent EventsResult
	if err := json.Unmarshal(data, &recent); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if recent.Count != 3 {
		t.Errorf("Count = %d, want 3", recent.Count)
	}

	params := `{"transfer_id":"` + details.TransferID.Hex() + `"}`
	resp = callRPC(t, s, "events_forTransfer", params)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ = json.Marshal(resp.Result)
	var forTransfer EventsResult
	if err := json.Unmarshal(data, &forTransfer); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if forTransfer.Count != 2 {
		t.Errorf("Count = %d, want 2", forTransfer.Count)
	}
}

func TestEventsBySeverity(t *testing.T) {
	s := newTestServer(t)

	ev := relay.Event{
		ID:       uuid.New(),
		Time:     time.Now().UTC(),
		Kind:     relay.KindAssetsLockingError,
		Severity: relay.SeverityCritical,
		Details:  testDetails(0x55),
		Error:    "nonce too low",
	}
	if err := s.store.AppendEvent(ev); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	resp := callRPC(t, s, "events_bySeverity", `{"severity":"critical"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result EventsResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result.Count != 1 {
		t.Fatalf("Count = %d, want 1", result.Count)
	}
	if result.Events[0].Error != "nonce too low" {
		t.Errorf("Error = %q, want %q", result.Events[0].Error, "nonce too low")
	}

	resp = callRPC(t, s, "events_bySeverity", `{"severity":"fatal"}`)
	if resp.Error == nil {
		t.Fatal("expected error for invalid severity")
	}
}

func TestHandleRPCMethodNotFound(t *testing.T) {
	s := newTestServer(t)

	resp := callRPC(t, s, "no_such_method", "")
	if resp.Error == nil {
		t.Fatal("expected error, got nil")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, MethodNotFound)
	}
}

func TestHandleRPCParseError(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{invalid json`))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestHandleRPCInvalidVersion(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"jsonrpc":"1.0","method":"relay_status","id":1}`))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp.Error)
	}
}

func TestStartAndStop(t *testing.T) {
	s := newTestServer(t)

	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer s.Stop()

	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() returned empty string")
	}

	body := bytes.NewBufferString(`{"jsonrpc":"2.0","method":"relay_status","id":1}`)
	httpResp, err := http.Post("http://"+addr+"/", "application/json", body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
}

func TestWebSocketHub(t *testing.T) {
	hub := NewWSHub()

	if hub.ClientCount() != 0 {
		t.Errorf("initial ClientCount = %d, want 0", hub.ClientCount())
	}

	go hub.Run()

	// Broadcast with no clients must not block
	hub.Broadcast(EventInitiated, map[string]string{"chain": "bitcoin"})
}

func TestWSEvent(t *testing.T) {
	msg := WSEvent{
		Type:      EventAssetsLocked,
		Data:      map[string]interface{}{"direction": "1->2"},
		Timestamp: 1234567890,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal WSEvent: %v", err)
	}

	var parsed WSEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal WSEvent: %v", err)
	}

	if parsed.Type != msg.Type {
		t.Errorf("Type = %s, want %s", parsed.Type, msg.Type)
	}
	if parsed.Timestamp != msg.Timestamp {
		t.Errorf("Timestamp = %d, want %d", parsed.Timestamp, msg.Timestamp)
	}
}

func TestEventTypesMatchRelayKinds(t *testing.T) {
	tests := []struct {
		event EventType
		kind  relay.EventKind
	}{
		{EventInitiated, relay.KindInitiated},
		{EventLocked, relay.KindLocked},
		{EventAssetsLocked, relay.KindAssetsLocked},
		{EventAssetsCompletingError, relay.KindAssetsCompletingError},
	}

	for _, tt := range tests {
		if string(tt.event) != string(tt.kind) {
			t.Errorf("EventType %s does not match relay kind %s", tt.event, tt.kind)
		}
	}
}

func TestErrorConstants(t *testing.T) {
	if ParseError != -32700 {
		t.Errorf("ParseError = %d, want -32700", ParseError)
	}
	if InvalidRequest != -32600 {
		t.Errorf("InvalidRequest = %d, want -32600", InvalidRequest)
	}
	if MethodNotFound != -32601 {
		t.Errorf("MethodNotFound = %d, want -32601", MethodNotFound)
	}
	if InvalidParams != -32602 {
		t.Errorf("InvalidParams = %d, want -32602", InvalidParams)
	}
	if InternalError != -32603 {
		t.Errorf("InternalError = %d, want -32603", InternalError)
	}
}
