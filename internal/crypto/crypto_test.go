package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key; never funded.
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSigner_Address(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), s.Address())
	assert.Equal(t, int64(1), s.ChainID().Int64())

	_, err = NewSigner("zz", 1)
	assert.Error(t, err)
}

func TestSigner_SignTxRecoversSender(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{Nonce: 7, To: &to, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(0)})

	signed, err := s.SignTx(tx)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestRelaySignature_Verifies(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_sendBundle","params":[]}`)

	header, err := s.RelaySignature(body)
	require.NoError(t, err)
	got, err := VerifyRelaySignature(header, body)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	_, err = VerifyRelaySignature(header, []byte("tampered"))
	assert.Error(t, err)
	_, err = VerifyRelaySignature("nocolon", body)
	assert.Error(t, err)
}

func TestKeyFile_RoundTripAndLoadSigner(t *testing.T) {
	data, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(data), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

	key, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey[2:], key)

	_, err = DecryptKey(data, "wrong")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	s, err := LoadSigner(KeySource{KeyFile: path, KeyPassword: "hunter2"}, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), s.Address())
}

func TestLoadSigner_Sources(t *testing.T) {
	_, err := LoadSigner(KeySource{}, 1)
	assert.Error(t, err)
	assert.False(t, KeySource{}.Configured())

	_, err = LoadSigner(KeySource{PrivateKey: "0x1234"}, 1)
	assert.Error(t, err, "short key")

	s, err := LoadSigner(KeySource{PrivateKey: testKey, KeyFile: "/nonexistent"}, 1)
	require.NoError(t, err, "raw key wins")
	assert.NotNil(t, s)

	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
}
