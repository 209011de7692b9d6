package polymarket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/market"
)

// Throwaway key, noted in every ethereum testing guide.
const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	secret := base64.URLEncoding.EncodeToString([]byte("test-secret"))
	s, err := NewSigner(testKey, "api-key", secret, "passphrase")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func TestSignerAddressDeterministic(t *testing.T) {
	s := testSigner(t)
	addr := s.Address()
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Fatalf("address = %q", addr)
	}
	if again := testSigner(t).Address(); again != addr {
		t.Errorf("address changed between constructions: %s vs %s", addr, again)
	}
}

func TestSignOrderProducesValidSignature(t *testing.T) {
	s := testSigner(t)
	salt, err := newSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	o := &signedOrder{
		Salt:        salt,
		TokenID:     bigInt(t, "123456"),
		MakerAmount: bigInt(t, "57000000"),
		TakerAmount: bigInt(t, "100000000"),
		Expiration:  bigInt(t, "0"),
		Nonce:       bigInt(t, "0"),
		FeeRateBps:  bigInt(t, "0"),
		Side:        0,
	}
	sig, err := s.SignOrder(o)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// 65 bytes hex with 0x prefix, recovery byte normalized to 27/28.
	if len(sig) != 2+65*2 {
		t.Fatalf("signature length = %d", len(sig))
	}
	v := sig[len(sig)-2:]
	if v != "1b" && v != "1c" {
		t.Errorf("recovery byte = %s, want 1b or 1c", v)
	}
}

func TestAuthHeaders(t *testing.T) {
	s := testSigner(t)
	h, err := s.AuthHeaders("1700000000", "POST", "/order", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if h[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}

	// Same inputs, same signature; different body, different signature.
	h2, _ := s.AuthHeaders("1700000000", "POST", "/order", []byte(`{"x":1}`))
	if h2["POLY_SIGNATURE"] != h["POLY_SIGNATURE"] {
		t.Error("signature not deterministic")
	}
	h3, _ := s.AuthHeaders("1700000000", "POST", "/order", []byte(`{"x":2}`))
	if h3["POLY_SIGNATURE"] == h["POLY_SIGNATURE"] {
		t.Error("signature ignores body")
	}
}

func TestDecodeBookFrame(t *testing.T) {
	raw := []byte(`[{"event_type":"book","asset_id":"7132","bids":[{"price":"0.30","size":"900"},{"price":"0.42","size":"120"}],"asks":[{"price":"0.60","size":"800"},{"price":"0.47","size":"95"}],"timestamp":"1700000000000"}]`)
	quotes, err := decodeBook(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("quotes = %d, want 1", len(quotes))
	}
	q := quotes[0]
	if q.Bid != 0.42 || q.Ask != 0.47 {
		t.Errorf("touch = %v/%v, want 0.42/0.47", q.Bid, q.Ask)
	}
	if q.Venue != market.VenuePolymarket || q.ContractID != "7132" {
		t.Errorf("identity = %s %s", q.Venue, q.ContractID)
	}
}

func TestDecodeBookSkipsOtherEvents(t *testing.T) {
	quotes, err := decodeBook([]byte(`{"event_type":"price_change","asset_id":"7132"}`))
	if err != nil || len(quotes) != 0 {
		t.Errorf("price_change: quotes=%v err=%v", quotes, err)
	}
}

func TestPlaceOrderSubmitsSignedPayload(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		if r.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("request not HMAC signed")
		}
		json.NewEncoder(w).Encode(orderResponse{Success: true, OrderID: "o-1", Status: "live"})
	}))
	defer srv.Close()

	c := NewClient(testSigner(t), WithBaseURL(srv.URL))
	res, err := c.PlaceOrder(context.Background(), market.OrderRequest{
		Venue:          market.VenuePolymarket,
		ContractID:     "7132",
		Side:           market.Buy,
		Price:          0.57,
		Size:           decimal.NewFromInt(100),
		IdempotencyKey: "m1:polymarket:7132:1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.OrderID != "o-1" || res.Status != market.OrderOpen {
		t.Errorf("result = %+v", res)
	}
	if payload["clientID"] != "m1:polymarket:7132:1" {
		t.Errorf("clientID = %v", payload["clientID"])
	}
	order, _ := payload["order"].(map[string]any)
	if order == nil || order["signature"] == "" {
		t.Errorf("order payload = %v", payload["order"])
	}
	// 100 shares at 0.57: maker pays 57 USDC in 6dp units.
	if order["makerAmount"] != "57000000" {
		t.Errorf("makerAmount = %v, want 57000000", order["makerAmount"])
	}
	if order["takerAmount"] != "100000000" {
		t.Errorf("takerAmount = %v, want 100000000", order["takerAmount"])
	}
}

func TestPlaceOrderVenueRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderResponse{Success: false, Error: "not enough balance"})
	}))
	defer srv.Close()

	c := NewClient(testSigner(t), WithBaseURL(srv.URL))
	_, err := c.PlaceOrder(context.Background(), market.OrderRequest{
		ContractID: "7132", Side: market.Buy, Price: 0.5, Size: decimal.NewFromInt(1),
	})
	var ve *market.VenueError
	if !errors.As(err, &ve) || ve.Kind != market.FailureRejected {
		t.Errorf("err = %v, want rejected VenueError", err)
	}
}

func TestOrderStatusPartialFill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderDetail{
			ID: "o-1", Status: "live", Price: "0.57",
			OriginalSize: "100", SizeMatched: "40",
		})
	}))
	defer srv.Close()

	c := NewClient(testSigner(t), WithBaseURL(srv.URL))
	res, err := c.OrderStatus(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != market.OrderPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if !res.FilledSize.Equal(decimal.NewFromInt(40)) {
		t.Errorf("filled = %s", res.FilledSize)
	}
}

func bigInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int %q", s)
	}
	return v
}
