// Package secrets implements the AccessCondition interpreter of spec §4.7:
// a small tagged-union tree evaluated against on-chain state, fail-safe
// deny whenever the chain RPC is unavailable or a sub-condition errors.
package secrets

import (
	"context"
	"fmt"
	"regexp"

	"github.com/chainyield/coordinator/internal/chainclient"
)

// CompareOp is one of the six comparison operators spec §4.7 names.
type CompareOp string

const (
	OpGTE CompareOp = ">="
	OpLTE CompareOp = "<="
	OpGT  CompareOp = ">"
	OpLT  CompareOp = "<"
	OpEQ  CompareOp = "=="
	OpNEQ CompareOp = "!="
)

func compare(lhs CompareOp, a, b int64) bool {
	switch lhs {
	case OpGTE:
		return a >= b
	case OpLTE:
		return a <= b
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	default:
		return false
	}
}

type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// AccessCondition is the tagged-union interface every variant implements.
// Evaluate is fail-safe: any error (including a nil chain client) must
// resolve to (false, nil) or a non-nil error, never to a silent allow.
type AccessCondition interface {
	Evaluate(ctx context.Context, chain chainclient.Client, callerAccount string) (bool, error)
}

// AllowAll always grants access.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, chainclient.Client, string) (bool, error) {
	return true, nil
}

// Whitelist grants access iff the caller account is one of Accounts.
type Whitelist struct {
	Accounts []string
}

func (w Whitelist) Evaluate(_ context.Context, _ chainclient.Client, caller string) (bool, error) {
	for _, a := range w.Accounts {
		if a == caller {
			return true, nil
		}
	}
	return false, nil
}

// AccountPattern grants access iff the caller account matches Pattern, a
// regular expression anchored over the full account id.
type AccountPattern struct {
	Pattern string
}

func (p AccountPattern) Evaluate(_ context.Context, _ chainclient.Client, caller string) (bool, error) {
	re, err := regexp.Compile(`^(?:` + p.Pattern + `)$`)
	if err != nil {
		return false, fmt.Errorf("secrets: bad account pattern: %w", err)
	}
	return re.MatchString(caller), nil
}

// NearBalance grants access iff the caller's NEAR balance (minor units)
// satisfies Op against Amount.
type NearBalance struct {
	Op     CompareOp
	Amount int64
}

func (n NearBalance) Evaluate(ctx context.Context, chain chainclient.Client, caller string) (bool, error) {
	if chain == nil {
		return false, nil // fail-safe deny: no RPC client available
	}
	bal, err := chain.ViewAccount(ctx, caller)
	if err != nil {
		return false, nil // fail-safe deny on RPC error
	}
	return compare(n.Op, bal, n.Amount), nil
}

// FtBalance grants access iff the caller's fungible-token balance on
// Contract satisfies Op against Amount.
type FtBalance struct {
	Contract string
	Op       CompareOp
	Amount   int64
}

func (f FtBalance) Evaluate(ctx context.Context, chain chainclient.Client, caller string) (bool, error) {
	if chain == nil {
		return false, nil
	}
	args := []byte(fmt.Sprintf(`{"account_id":%q}`, caller))
	raw, err := chain.ViewFunctionCall(ctx, f.Contract, "ft_balance_of", args)
	if err != nil {
		return false, nil
	}
	bal, err := parseDecimalString(raw)
	if err != nil {
		return false, nil
	}
	return compare(f.Op, bal, f.Amount), nil
}

// NftOwned grants access iff the caller owns at least one token from
// Contract.
type NftOwned struct {
	Contract string
}

func (n NftOwned) Evaluate(ctx context.Context, chain chainclient.Client, caller string) (bool, error) {
	if chain == nil {
		return false, nil
	}
	args := []byte(fmt.Sprintf(`{"account_id":%q,"limit":1}`, caller))
	raw, err := chain.ViewFunctionCall(ctx, n.Contract, "nft_tokens_for_owner", args)
	if err != nil {
		return false, nil
	}
	return len(raw) > len("[]"), nil
}

// Not inverts Inner.
type Not struct {
	Inner AccessCondition
}

func (n Not) Evaluate(ctx context.Context, chain chainclient.Client, caller string) (bool, error) {
	ok, err := n.Inner.Evaluate(ctx, chain, caller)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Logic combines Children with And/Or semantics and short-circuits.
type Logic struct {
	Op       LogicOp
	Children []AccessCondition
}

func (l Logic) Evaluate(ctx context.Context, chain chainclient.Client, caller string) (bool, error) {
	switch l.Op {
	case LogicAnd:
		for _, c := range l.Children {
			ok, err := c.Evaluate(ctx, chain, caller)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case LogicOr:
		for _, c := range l.Children {
			ok, err := c.Evaluate(ctx, chain, caller)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("secrets: unknown logic op %q", l.Op)
	}
}
