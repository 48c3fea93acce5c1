package codehash

import (
	"errors"
	"testing"
)

func TestKeccakMatchesKnownVector(t *testing.T) {
	// keccak256("") as produced by Solidity.
	want := "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	got := Verifier{}.Hash("")
	if got.Hex() != want {
		t.Fatalf("keccak256(\"\") = %s, want %s", got.Hex(), want)
	}
}

func TestSHA256MatchesKnownVector(t *testing.T) {
	want := "0xba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	v, err := NewVerifier("sha256")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if got := v.Hash("abc"); got.Hex() != want {
		t.Fatalf("sha256(abc) = %s, want %s", got.Hex(), want)
	}
}

func TestMatchIsExact(t *testing.T) {
	for _, alg := range []string{"keccak256", "sha256", "sha3-256"} {
		v, err := NewVerifier(alg)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		d := v.Hash("MULTI123")
		if !v.Match("MULTI123", d) {
			t.Fatalf("%s: expected match", alg)
		}
		for _, wrong := range []string{"MULTI12", "MULTI1234", "multi123", " MULTI123", ""} {
			if v.Match(wrong, d) {
				t.Fatalf("%s: %q must not match", alg, wrong)
			}
		}
	}
}

func TestAlgorithmsDiffer(t *testing.T) {
	k := Verifier{Algorithm: Keccak256}.Hash("code")
	s := Verifier{Algorithm: SHA3_256}.Hash("code")
	if k == s {
		t.Fatalf("keccak256 and sha3-256 must differ")
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := NewVerifier("md5"); err == nil {
		t.Fatalf("expected error for md5")
	}
}

func TestParseDigest(t *testing.T) {
	d := Verifier{}.Hash("x")
	for _, in := range []string{d.Hex(), d.Hex()[2:]} {
		got, err := ParseDigest(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != d {
			t.Fatalf("parse %q mismatch", in)
		}
	}
	if _, err := ParseDigest("0x1234"); !errors.Is(err, ErrInvalidDigest) {
		t.Fatalf("expected ErrInvalidDigest for short digest, got %v", err)
	}
	if _, err := ParseDigest("zz"); !errors.Is(err, ErrInvalidDigest) {
		t.Fatalf("expected ErrInvalidDigest for bad hex, got %v", err)
	}
}
