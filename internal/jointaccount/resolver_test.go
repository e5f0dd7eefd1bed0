package jointaccount

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"

	"rollup-swap/internal/domain"
)

func testInputs() (PubKeyHash, common.Hash, common.Hash, common.Address) {
	var pkh PubKeyHash
	for i := range pkh {
		pkh[i] = byte(i + 1)
	}
	salt := common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")
	codeHash := crypto.Keccak256Hash([]byte("joint account code"))
	creator := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return pkh, salt, codeHash, creator
}

func TestResolve_Deterministic(t *testing.T) {
	pkh, salt, codeHash, creator := testInputs()

	first := Resolve(pkh, salt, codeHash, creator)
	second := Resolve(pkh, salt, codeHash, creator)
	assert.Equal(t, first, second)
	assert.NotEqual(t, common.Address{}, first)
}

func TestResolve_EveryInputChangesAddress(t *testing.T) {
	pkh, salt, codeHash, creator := testInputs()
	base := Resolve(pkh, salt, codeHash, creator)

	otherPkh := pkh
	otherPkh[0] ^= 0xff
	assert.NotEqual(t, base, Resolve(otherPkh, salt, codeHash, creator), "pubkey hash")

	otherSalt := salt
	otherSalt[31] ^= 0x01
	assert.NotEqual(t, base, Resolve(pkh, otherSalt, codeHash, creator), "salt")

	otherCode := crypto.Keccak256Hash([]byte("other code"))
	assert.NotEqual(t, base, Resolve(pkh, salt, otherCode, creator), "code hash")

	otherCreator := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	assert.NotEqual(t, base, Resolve(pkh, salt, codeHash, otherCreator), "creator")
}

func TestResolve_MatchesCreate2Formula(t *testing.T) {
	pkh, salt, codeHash, creator := testInputs()

	create2Salt := crypto.Keccak256(salt.Bytes(), pkh[:])
	raw := crypto.Keccak256([]byte{0xff}, creator.Bytes(), create2Salt, codeHash.Bytes())
	want := common.BytesToAddress(raw[12:])

	assert.Equal(t, want, Resolve(pkh, salt, codeHash, creator))
}

func TestNew_Account(t *testing.T) {
	pkh, salt, codeHash, creator := testInputs()
	acc := New(pkh, domain.Deployment{Salt: salt, CodeHash: codeHash}, creator)

	assert.Equal(t, Resolve(pkh, salt, codeHash, creator), acc.Address)
	assert.Equal(t, "sync:0102030405060708090a0b0c0d0e0f1011121314", acc.PubKeyHash.String())
}
