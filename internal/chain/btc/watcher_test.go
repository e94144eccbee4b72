package btc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

const testBlockHash = "00000000000000000001aabbccddeeff00112233445566778899aabbccddeeff"

// esploraStub serves the minimal REST surface the watcher scans: the tip
// height, one block hash and that block's transaction page.
type esploraStub struct {
	mu      sync.Mutex
	tip     int64
	hashes  map[int64]string
	txPages map[string]string
	txCalls int
}

func (s *esploraStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/blocks/tip/height":
		fmt.Fprintf(w, "%d", s.tip)
	case strings.HasPrefix(path, "/block-height/"):
		height, err := strconv.ParseInt(strings.TrimPrefix(path, "/block-height/"), 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, s.hashes[height])
	case strings.HasPrefix(path, "/block/"):
		s.mu.Lock()
		s.txCalls++
		s.mu.Unlock()
		hash := strings.SplitN(strings.TrimPrefix(path, "/block/"), "/", 2)[0]
		io.WriteString(w, s.txPages[hash])
	default:
		http.NotFound(w, r)
	}
}

func (s *esploraStub) blockTxCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCalls
}

// startWatcher runs a watcher against a stub backend holding one block of
// transactions at height 100, already at confirmation depth.
func startWatcher(t *testing.T, relayKey *btcec.PublicKey, index *htlcIndex, txsJSON string) (<-chan relay.ContractEvent, *esploraStub) {
	t.Helper()

	stub := &esploraStub{
		tip:     101,
		hashes:  map[int64]string{100: testBlockHash},
		txPages: map[string]string{testBlockHash: txsJSON},
	}
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)

	w := NewWatcher(NewBackend(server.URL), index, relayKey, &chaincfg.TestNet3Params, WatcherConfig{
		StartHeight:   100,
		Confirmations: 1,
		Interval:      10 * time.Millisecond,
		TimeoutBlocks: 144,
		Buffer:        8,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w.Events(), stub
}

func waitContractEvent(t *testing.T, events <-chan relay.ContractEvent) relay.ContractEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed while waiting for an event")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watcher event")
		return relay.ContractEvent{}
	}
}

// waitScanned blocks until the stub has served at least one block page,
// then lets a few poll turns pass so missing events are meaningful.
func waitScanned(t *testing.T, stub *esploraStub) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for stub.blockTxCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never fetched the block")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
}

func initiationTxJSON(t *testing.T, txid string, senderPub *btcec.PublicKey, payload InitiationPayload, program string, value uint64) string {
	t.Helper()
	opret, err := BuildOpReturnScript(payload.Encode())
	if err != nil {
		t.Fatalf("BuildOpReturnScript: %v", err)
	}
	return fmt.Sprintf(`{
		"txid": %q,
		"vin": [{
			"txid": "0000000000000000000000000000000000000000000000000000000000000000",
			"vout": 0,
			"witness": ["3044", %q],
			"prevout": {"scriptpubkey_type": "v0_p2wpkh", "value": 100000}
		}],
		"vout": [
			{"scriptpubkey": %q, "scriptpubkey_type": "op_return", "value": 0},
			{"scriptpubkey": "0020%s", "scriptpubkey_type": "v0_p2wsh", "value": %d}
		]
	}`, txid, hex.EncodeToString(senderPub.SerializeCompressed()),
		hex.EncodeToString(opret), program, value)
}

func TestWatcherEmitsTaggedInitiation(t *testing.T) {
	relay1, sender := testKeys(t)

	secret := []byte("watcher-initiation-secret")
	payload := InitiationPayload{SecretHash: sha256.Sum256(secret)}
	copy(payload.Recipient[:], []byte("destination-recipient"))

	htlc, err := NewHTLCScript(payload.SecretHash[:], relay1.PubKey(), sender.PubKey(), 144, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewHTLCScript: %v", err)
	}

	txid := strings.Repeat("aa", 32)
	index := newHTLCIndex()
	txJSON := initiationTxJSON(t, txid, sender.PubKey(), payload, hex.EncodeToString(htlc.ScriptHash), 50_000)
	events, _ := startWatcher(t, relay1.PubKey(), index, "["+txJSON+"]")

	ev := waitContractEvent(t, events)
	if ev.Role != relay.RoleInitiator || ev.Kind != relay.EventInitiated {
		t.Fatalf("role/kind = %v/%v, want initiator/initiated", ev.Role, ev.Kind)
	}

	op, err := outPointFromStrings(txid, 1)
	if err != nil {
		t.Fatalf("outPointFromStrings: %v", err)
	}
	if ev.Details.TransferID != ComputeTransferID(op) {
		t.Errorf("transfer id = %v, want outpoint-derived id", ev.Details.TransferID)
	}
	if ev.Details.HashLock != relay.HashLock(payload.SecretHash) {
		t.Errorf("hash lock = %x, want %x", ev.Details.HashLock, payload.SecretHash)
	}
	if !bytes.Equal(ev.Details.Sender, sender.PubKey().SerializeCompressed()) {
		t.Errorf("sender = %x, want the first input's pubkey", ev.Details.Sender)
	}
	if !bytes.Equal(ev.Details.Recipient, payload.Recipient[:]) {
		t.Errorf("recipient = %x, want %x", ev.Details.Recipient, payload.Recipient)
	}
	if ev.Details.TimeLock != 144 {
		t.Errorf("time lock = %d, want 144", ev.Details.TimeLock)
	}
	if ev.Details.Amount.Uint64() != 50_000 {
		t.Errorf("amount = %v, want 50000", ev.Details.Amount)
	}
	if index.size() != 1 {
		t.Errorf("watched outputs = %d, want 1", index.size())
	}
}

func TestWatcherIgnoresMismatchedHTLCScript(t *testing.T) {
	relay1, sender := testKeys(t)

	secret := []byte("watcher-mismatch-secret")
	payload := InitiationPayload{SecretHash: sha256.Sum256(secret)}
	copy(payload.Recipient[:], []byte("destination-recipient"))

	// The P2WSH program does not hash to the protocol HTLC script.
	index := newHTLCIndex()
	txJSON := initiationTxJSON(t, strings.Repeat("bb", 32), sender.PubKey(), payload, strings.Repeat("11", 32), 50_000)
	events, stub := startWatcher(t, relay1.PubKey(), index, "["+txJSON+"]")

	waitScanned(t, stub)
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("mismatched script terminated the stream")
		}
		t.Fatalf("mismatched script produced event %v", ev.Kind)
	default:
	}
	if index.size() != 0 {
		t.Errorf("watched outputs = %d, want 0", index.size())
	}
}

func TestWatcherReportsLockConfirmation(t *testing.T) {
	relay1, _ := testKeys(t)

	id := relay.TransferID{0x42}
	opret, err := BuildOpReturnScript(LockPayload{TransferID: id}.Encode())
	if err != nil {
		t.Fatalf("BuildOpReturnScript: %v", err)
	}
	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"vin": [],
		"vout": [
			{"scriptpubkey": %q, "scriptpubkey_type": "op_return", "value": 0},
			{"scriptpubkey": "0020%s", "scriptpubkey_type": "v0_p2wsh", "value": 75000}
		]
	}`, strings.Repeat("cc", 32), hex.EncodeToString(opret), strings.Repeat("22", 32))

	events, _ := startWatcher(t, relay1.PubKey(), newHTLCIndex(), "["+txJSON+"]")

	ev := waitContractEvent(t, events)
	if ev.Role != relay.RoleCounterparty || ev.Kind != relay.EventLocked {
		t.Fatalf("role/kind = %v/%v, want counterparty/locked", ev.Role, ev.Kind)
	}
	if ev.Details.TransferID != id {
		t.Errorf("transfer id = %v, want %v", ev.Details.TransferID, id)
	}
	if ev.Details.Amount.Uint64() != 75_000 {
		t.Errorf("amount = %v, want 75000", ev.Details.Amount)
	}
}

func TestWatcherDetectsClaimOfWatchedOutput(t *testing.T) {
	relay1, sender := testKeys(t)

	secret := []byte("watcher-claim-secret")
	secretHash := sha256.Sum256(secret)
	htlc, err := NewHTLCScript(secretHash[:], relay1.PubKey(), sender.PubKey(), 144, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewHTLCScript: %v", err)
	}

	fundingTxID := strings.Repeat("dd", 32)
	op, err := outPointFromStrings(fundingTxID, 1)
	if err != nil {
		t.Fatalf("outPointFromStrings: %v", err)
	}
	id := ComputeTransferID(op)

	index := newHTLCIndex()
	index.add(htlcOutput{
		TransferID: id,
		OutPoint:   op,
		Value:      50_000,
		Script:     htlc.Script,
		Role:       roleInitiation,
	})

	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"vin": [{
			"txid": %q,
			"vout": 1,
			"witness": ["3044", %q, "01", %q]
		}],
		"vout": []
	}`, strings.Repeat("ee", 32), fundingTxID,
		hex.EncodeToString(secret), hex.EncodeToString(htlc.Script))

	events, _ := startWatcher(t, relay1.PubKey(), index, "["+txJSON+"]")

	ev := waitContractEvent(t, events)
	if ev.Role != relay.RoleInitiator || ev.Kind != relay.EventCompleted {
		t.Fatalf("role/kind = %v/%v, want initiator/completed", ev.Role, ev.Kind)
	}
	if ev.Details.TransferID != id {
		t.Errorf("transfer id = %v, want %v", ev.Details.TransferID, id)
	}
	if !bytes.Equal(ev.Details.Secret, secret) {
		t.Errorf("secret = %x, want %x", ev.Details.Secret, secret)
	}
	if index.size() != 0 {
		t.Errorf("watched outputs after claim = %d, want 0", index.size())
	}
}

func TestWatcherMalformedPayloadTerminatesStream(t *testing.T) {
	relay1, _ := testKeys(t)

	// Carries the initiation tag but not the full payload.
	bad := append([]byte(nil), tagInitiate...)
	bad = append(bad, 0x01, 0x02, 0x03)
	opret, err := BuildOpReturnScript(bad)
	if err != nil {
		t.Fatalf("BuildOpReturnScript: %v", err)
	}
	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"vin": [],
		"vout": [{"scriptpubkey": %q, "scriptpubkey_type": "op_return", "value": 0}]
	}`, strings.Repeat("ff", 32), hex.EncodeToString(opret))

	events, _ := startWatcher(t, relay1.PubKey(), newHTLCIndex(), "["+txJSON+"]")

	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("malformed payload produced event %v instead of terminating", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream not terminated on malformed payload")
	}
}
