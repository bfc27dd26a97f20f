package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const testAuthKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type recordingCaller struct {
	calls  int
	method string
	params []any
}

func (r *recordingCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	r.calls++
	r.method = method
	r.params = params
	return json.RawMessage(`{"bundleHash":"0x01"}`), nil
}

func TestRPCSubmitterSingleCall(t *testing.T) {
	caller := &recordingCaller{}
	s := NewRPCSubmitter("rpc", caller)

	b := Bundle{Txs: [][]byte{{0x01}, {0x02}, {0x03}}, TargetBlock: 17}
	if _, err := s.SendBundle(context.Background(), b); err != nil {
		t.Fatalf("SendBundle() error = %v", err)
	}

	if caller.calls != 1 {
		t.Fatalf("calls = %d, want 1 (atomic submission)", caller.calls)
	}
	if caller.method != "eth_sendBundle" {
		t.Errorf("method = %q, want eth_sendBundle", caller.method)
	}

	raw, _ := json.Marshal(caller.params[0])
	var args struct {
		Txs         []string `json:"txs"`
		BlockNumber string   `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		t.Fatal(err)
	}
	want := []string{"0x01", "0x02", "0x03"}
	for i := range want {
		if args.Txs[i] != want[i] {
			t.Errorf("txs[%d] = %s, want %s (order preserved)", i, args.Txs[i], want[i])
		}
	}
	if args.BlockNumber != "0x11" {
		t.Errorf("blockNumber = %s, want 0x11", args.BlockNumber)
	}
}

func TestRPCSubmitterRejectsEmpty(t *testing.T) {
	caller := &recordingCaller{}
	if _, err := NewRPCSubmitter("rpc", caller).SendBundle(context.Background(), Bundle{}); err == nil {
		t.Error("SendBundle(empty) error = nil")
	}
	if caller.calls != 0 {
		t.Errorf("calls = %d, want 0", caller.calls)
	}
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.SendBundle(context.Background(), Bundle{Txs: [][]byte{{1}}})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("SendBundle() error = %v, want ErrUnsupported", err)
	}
}

func TestBundleHashes(t *testing.T) {
	b := Bundle{Txs: [][]byte{{0xaa}, {0xbb}}}
	hashes := b.Hashes()
	if hashes[0] != crypto.Keccak256Hash([]byte{0xaa}) || hashes[1] != crypto.Keccak256Hash([]byte{0xbb}) {
		t.Errorf("Hashes() = %v", hashes)
	}
}

func TestRelayAuthSignatureRecovers(t *testing.T) {
	auth, err := NewRelayAuth("0x" + testAuthKey)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"jsonrpc":"2.0"}`)
	header, err := auth.Sign(body)
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 || common.HexToAddress(parts[0]) != auth.Address() {
		t.Fatalf("header = %q, want address prefix", header)
	}
	sig := hexutil.MustDecode(parts[1])
	digest := crypto.Keccak256Hash(body)
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(digest.Hex())), sig)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.PubkeyToAddress(*pub) != auth.Address() {
		t.Error("signature does not recover to auth address")
	}
}

func TestRelayVenueSignsRequests(t *testing.T) {
	var gotHeader, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotHeader = r.Header.Get(SignatureHeader)
		var req struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		gotMethod = req.Method
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"bundleHash":"0x02"}}`))
	}))
	defer srv.Close()

	s, err := DefaultRegistry().Build("relay", VenueConfig{RelayURL: srv.URL, AuthKey: testAuthKey})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := s.SendBundle(context.Background(), Bundle{Txs: [][]byte{{1}}, TargetBlock: 1}); err != nil {
		t.Fatalf("SendBundle() error = %v", err)
	}
	if gotMethod != "eth_sendBundle" {
		t.Errorf("method = %q", gotMethod)
	}
	if !strings.Contains(gotHeader, ":0x") {
		t.Errorf("signature header = %q", gotHeader)
	}
}

func TestRegistryBuild(t *testing.T) {
	r := DefaultRegistry()

	if got := r.Names(); strings.Join(got, ",") != "none,relay,rpc" {
		t.Errorf("Names() = %v", got)
	}
	if _, err := r.Build("mev-share", VenueConfig{}); !errors.Is(err, ErrUnknownVenue) {
		t.Errorf("Build(unknown) error = %v, want ErrUnknownVenue", err)
	}
	if _, err := r.Build("relay", VenueConfig{RelayURL: "http://x"}); err == nil {
		t.Error("Build(relay) without auth key should fail")
	}
	if _, err := r.Build("rpc", VenueConfig{}); err == nil {
		t.Error("Build(rpc) without target should fail")
	}
	s, err := r.Build("rpc", VenueConfig{Target: &recordingCaller{}})
	if err != nil || s.Name() != "rpc" {
		t.Errorf("Build(rpc) = %v, %v", s, err)
	}
}
