package idhash

import (
	"strings"
	"testing"
)

func TestComputeTxHash(t *testing.T) {
	got := ComputeTxHash([]byte("abc"))
	// SHA256("abc")
	want := "sync-tx:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("ComputeTxHash() = %s, want %s", got, want)
	}
}

func TestComputeTxHash_Format(t *testing.T) {
	got := ComputeTxHash(nil)
	if !strings.HasPrefix(got, TxHashPrefix) {
		t.Errorf("ComputeTxHash() = %s, missing prefix", got)
	}
	if len(got) != len(TxHashPrefix)+64 {
		t.Errorf("ComputeTxHash() length = %d, want %d", len(got), len(TxHashPrefix)+64)
	}
}
