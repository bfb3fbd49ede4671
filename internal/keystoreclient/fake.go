package keystoreclient

import "context"

// Fake is a reversible XOR "encryption" used by tests, and by
// cmd/coordinator when no keystore RPC URL is configured.
type Fake struct{}

func NewFake() *Fake { return &Fake{} }

func xorKey(projectID, accountID string) byte {
	var k byte
	for _, r := range projectID + accountID {
		k ^= byte(r)
	}
	if k == 0 {
		k = 0x5a
	}
	return k
}

func (f *Fake) Encrypt(_ context.Context, projectID, accountID string, plaintext []byte) ([]byte, error) {
	k := xorKey(projectID, accountID)
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ k
	}
	return out, nil
}

func (f *Fake) Decrypt(ctx context.Context, projectID, accountID string, ciphertext []byte) ([]byte, error) {
	return f.Encrypt(ctx, projectID, accountID, ciphertext)
}
