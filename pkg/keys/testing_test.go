package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
)

// testRSAKey returns one of a small pool of pre-generated keys
func testRSAKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for n := 0; n < 3; n++ {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, key)
		}
	})
	return testKeys[i]
}

func testBundle(t *testing.T, kid string, i int, notAfter time.Time) []byte {
	t.Helper()
	bundle, err := EncodeBundle(kid, testRSAKey(t, i), notAfter.Add(-365*24*time.Hour), notAfter)
	require.NoError(t, err)
	return bundle
}

func writeKeyDir(t *testing.T, dir, current string, bundles map[string][]byte) {
	t.Helper()
	for kid, bundle := range bundles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, kid+".pem"), bundle, 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "current"), []byte(current+"\n"), 0o600))
}
