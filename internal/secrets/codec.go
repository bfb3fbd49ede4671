package secrets

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire form every AccessCondition variant marshals to: a
// type tag plus whichever fields that variant needs. Unmarshal dispatches
// on Type rather than struct shape, same discipline as models.CodeRef.
type envelope struct {
	Type     string      `json:"type"`
	Accounts []string    `json:"accounts,omitempty"`
	Pattern  string      `json:"pattern,omitempty"`
	Contract string      `json:"contract,omitempty"`
	Op       CompareOp   `json:"op,omitempty"`
	Amount   int64       `json:"amount,omitempty"`
	Inner    *envelope   `json:"inner,omitempty"`
	LogicOp  LogicOp     `json:"logic_op,omitempty"`
	Children []*envelope `json:"children,omitempty"`
}

// MarshalCondition serializes c for storage in secrets_policies.condition_json.
func MarshalCondition(c AccessCondition) ([]byte, error) {
	env, err := toEnvelope(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalCondition is MarshalCondition's inverse.
func UnmarshalCondition(data []byte) (AccessCondition, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("secrets: unmarshal condition: %w", err)
	}
	return fromEnvelope(&env)
}

func toEnvelope(c AccessCondition) (*envelope, error) {
	switch v := c.(type) {
	case AllowAll:
		return &envelope{Type: "allow_all"}, nil
	case Whitelist:
		return &envelope{Type: "whitelist", Accounts: v.Accounts}, nil
	case AccountPattern:
		return &envelope{Type: "account_pattern", Pattern: v.Pattern}, nil
	case NearBalance:
		return &envelope{Type: "near_balance", Op: v.Op, Amount: v.Amount}, nil
	case FtBalance:
		return &envelope{Type: "ft_balance", Contract: v.Contract, Op: v.Op, Amount: v.Amount}, nil
	case NftOwned:
		return &envelope{Type: "nft_owned", Contract: v.Contract}, nil
	case Not:
		inner, err := toEnvelope(v.Inner)
		if err != nil {
			return nil, err
		}
		return &envelope{Type: "not", Inner: inner}, nil
	case Logic:
		children := make([]*envelope, 0, len(v.Children))
		for _, child := range v.Children {
			e, err := toEnvelope(child)
			if err != nil {
				return nil, err
			}
			children = append(children, e)
		}
		return &envelope{Type: "logic", LogicOp: v.Op, Children: children}, nil
	default:
		return nil, fmt.Errorf("secrets: unknown condition type %T", c)
	}
}

func fromEnvelope(env *envelope) (AccessCondition, error) {
	if env == nil {
		return nil, fmt.Errorf("secrets: nil condition envelope")
	}
	switch env.Type {
	case "allow_all":
		return AllowAll{}, nil
	case "whitelist":
		return Whitelist{Accounts: env.Accounts}, nil
	case "account_pattern":
		return AccountPattern{Pattern: env.Pattern}, nil
	case "near_balance":
		return NearBalance{Op: env.Op, Amount: env.Amount}, nil
	case "ft_balance":
		return FtBalance{Contract: env.Contract, Op: env.Op, Amount: env.Amount}, nil
	case "nft_owned":
		return NftOwned{Contract: env.Contract}, nil
	case "not":
		inner, err := fromEnvelope(env.Inner)
		if err != nil {
			return nil, err
		}
		return Not{Inner: inner}, nil
	case "logic":
		children := make([]AccessCondition, 0, len(env.Children))
		for _, c := range env.Children {
			cond, err := fromEnvelope(c)
			if err != nil {
				return nil, err
			}
			children = append(children, cond)
		}
		return Logic{Op: env.LogicOp, Children: children}, nil
	default:
		return nil, fmt.Errorf("secrets: unknown condition type %q", env.Type)
	}
}
