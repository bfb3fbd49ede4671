package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainyield/coordinator/internal/chainclient"
)

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.Evaluate(context.Background(), nil, "anyone.near")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWhitelist(t *testing.T) {
	w := Whitelist{Accounts: []string{"alice.near", "bob.near"}}
	ok, err := w.Evaluate(context.Background(), nil, "alice.near")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = w.Evaluate(context.Background(), nil, "carol.near")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccountPattern(t *testing.T) {
	p := AccountPattern{Pattern: `^.*\.factory\.near$`}
	ok, err := p.Evaluate(context.Background(), nil, "sub.factory.near")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Evaluate(context.Background(), nil, "sub.other.near")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNearBalanceFailSafeDenyWithNilClient(t *testing.T) {
	cond := NearBalance{Op: OpGTE, Amount: 1000}
	ok, err := cond.Evaluate(context.Background(), nil, "alice.near")
	require.NoError(t, err)
	require.False(t, ok, "missing RPC client must fail-safe deny")
}

func TestNearBalanceAllowsWhenSatisfied(t *testing.T) {
	fake := chainclient.NewFake()
	fake.Balances["alice.near"] = 5000
	cond := NearBalance{Op: OpGTE, Amount: 1000}
	ok, err := cond.Evaluate(context.Background(), fake, "alice.near")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNearBalanceDeniesWhenBalanceMissing(t *testing.T) {
	fake := chainclient.NewFake()
	fake.ViewFunctionErr = nil
	cond := NearBalance{Op: OpGTE, Amount: 1000}
	// alice.near has no balance entry, defaults to 0, which fails >= 1000.
	ok, err := cond.Evaluate(context.Background(), fake, "alice.near")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFtBalanceParsesQuotedDecimal(t *testing.T) {
	fake := chainclient.NewFake()
	fake.FtResults["token.near/ft_balance_of"] = []byte(`"2500"`)
	cond := FtBalance{Contract: "token.near", Op: OpGTE, Amount: 2000}
	ok, err := cond.Evaluate(context.Background(), fake, "alice.near")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNftOwnedDeniesOnEmptyList(t *testing.T) {
	fake := chainclient.NewFake()
	fake.FtResults["collection.near/nft_tokens_for_owner"] = []byte(`[]`)
	cond := NftOwned{Contract: "collection.near"}
	ok, err := cond.Evaluate(context.Background(), fake, "alice.near")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNftOwnedAllowsOnNonEmptyList(t *testing.T) {
	fake := chainclient.NewFake()
	fake.FtResults["collection.near/nft_tokens_for_owner"] = []byte(`[{"token_id":"1"}]`)
	cond := NftOwned{Contract: "collection.near"}
	ok, err := cond.Evaluate(context.Background(), fake, "alice.near")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNot(t *testing.T) {
	n := Not{Inner: Whitelist{Accounts: []string{"alice.near"}}}
	ok, err := n.Evaluate(context.Background(), nil, "alice.near")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogicAndShortCircuits(t *testing.T) {
	l := Logic{Op: LogicAnd, Children: []AccessCondition{
		AllowAll{},
		Whitelist{Accounts: []string{"bob.near"}},
	}}
	ok, err := l.Evaluate(context.Background(), nil, "alice.near")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogicOrShortCircuits(t *testing.T) {
	l := Logic{Op: LogicOr, Children: []AccessCondition{
		Whitelist{Accounts: []string{"bob.near"}},
		AllowAll{},
	}}
	ok, err := l.Evaluate(context.Background(), nil, "alice.near")
	require.NoError(t, err)
	require.True(t, ok)
}
