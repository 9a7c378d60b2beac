package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPubkeyBase58(t *testing.T) {
	const token = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	p, err := PubkeyFromBase58(token)
	if err != nil {
		t.Fatalf("PubkeyFromBase58: %v", err)
	}
	if p.String() != token {
		t.Errorf("String() = %s, want %s", p.String(), token)
	}
	if p.IsZero() {
		t.Error("token program key reported as zero")
	}

	zero, err := PubkeyFromBase58("11111111111111111111111111111111")
	if err != nil {
		t.Fatalf("PubkeyFromBase58: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("system program key %s is not zero", zero)
	}
}

func TestPubkeyInvalid(t *testing.T) {
	if _, err := PubkeyFromBase58("abc"); !errors.Is(err, ErrInvalidPubkey) {
		t.Errorf("short key error = %v, want ErrInvalidPubkey", err)
	}
	if _, err := PubkeyFromBase58("0OIl"); err == nil {
		t.Error("expected error for non-base58 input")
	}
}

func TestPubkeyJSON(t *testing.T) {
	type holder struct {
		Key Pubkey `json:"key"`
	}
	in := holder{Key: Pubkey{1, 2, 3}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out holder
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Key != in.Key {
		t.Errorf("key = %s, want %s", out.Key, in.Key)
	}
	if err := json.Unmarshal([]byte(`{"key":"abc"}`), &out); err == nil {
		t.Error("expected error for short key")
	}
}

func TestHash(t *testing.T) {
	if !(Hash{}).IsZero() {
		t.Error("zero hash not reported as zero")
	}
	h := Hash{1}
	if h.IsZero() {
		t.Error("non-zero hash reported as zero")
	}
	if h.String() == "" {
		t.Error("empty hash string")
	}
}
