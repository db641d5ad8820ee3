package builder

import (
	"encoding/json"
	"sort"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/signer/keys"
)

// KeyWeight is one key of an authority.
type KeyWeight struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"`
}

// AuthorityUpdate replaces one of the account's authorities.
type AuthorityUpdate struct {
	WeightThreshold int         `json:"weight_threshold"`
	KeyAuths        []KeyWeight `json:"key_auths"`
}

// AccountUpdatePayload changes profile metadata, keys, or both.
//
// A profile-only update is a posting-level account_update2. Once any key
// changes, the update needs active authority (owner when Owner is set) and
// the profile travels in a second custom_json operation so both land in
// the same transaction.
type AccountUpdatePayload struct {
	Account string           `json:"account"`
	Profile map[string]any   `json:"profile,omitempty"`
	Owner   *AuthorityUpdate `json:"owner,omitempty"`
	Active  *AuthorityUpdate `json:"active,omitempty"`
	Posting *AuthorityUpdate `json:"posting,omitempty"`
	MemoKey string           `json:"memo_key,omitempty"`
}

func buildAccountUpdate(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[AccountUpdatePayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "account", p.Account); err != nil {
		return ir.OperationSet{}, err
	}

	var profile string
	if len(p.Profile) > 0 {
		raw, err := json.Marshal(map[string]any{"profile": p.Profile})
		if err != nil {
			return ir.OperationSet{}, buildErr(intent.Kind, "profile", "%v", err)
		}
		profile = string(raw)
	}

	keyChange := p.Owner != nil || p.Active != nil || p.Posting != nil || p.MemoKey != ""
	if !keyChange {
		if profile == "" {
			return ir.OperationSet{}, buildErr(intent.Kind, "profile", "nothing to update")
		}
		return finish(intent, ir.AuthorityPosting, op("account_update2",
			ir.F("account", ir.String(p.Account)),
			ir.F("json_metadata", ir.String("")),
			ir.F("posting_json_metadata", ir.String(profile)),
			ir.F("extensions", ir.Array{}),
		))
	}

	pairs := []ir.Pair{
		ir.F("account", ir.String(p.Account)),
		ir.F("json_metadata", ir.String("")),
		ir.F("posting_json_metadata", ir.String("")),
		ir.F("extensions", ir.Array{}),
	}
	for _, a := range []struct {
		field string
		upd   *AuthorityUpdate
	}{{"owner", p.Owner}, {"active", p.Active}, {"posting", p.Posting}} {
		if a.upd == nil {
			continue
		}
		obj, err := authorityObject(intent.Kind, a.field, *a.upd)
		if err != nil {
			return ir.OperationSet{}, err
		}
		pairs = append(pairs, ir.F(a.field, obj))
	}
	if p.MemoKey != "" {
		if _, err := keys.ParsePublicKey(p.MemoKey); err != nil {
			return ir.OperationSet{}, buildErr(intent.Kind, "memo_key", "%v", err)
		}
		pairs = append(pairs, ir.F("memo_key", ir.String(p.MemoKey)))
	}

	auth := ir.AuthorityActive
	if p.Owner != nil {
		auth = ir.AuthorityOwner
	}
	ops := []ir.Operation{op("account_update2", pairs...)}
	if profile != "" {
		ops = append(ops, customJSONOp("profile", profile, ir.AuthorityActive, p.Account))
	}
	return finish(intent, auth, ops...)
}

func authorityObject(kind, field string, u AuthorityUpdate) (ir.Object, error) {
	if len(u.KeyAuths) == 0 {
		return nil, buildErr(kind, field, "authority needs at least one key")
	}
	auths := append([]KeyWeight(nil), u.KeyAuths...)
	sort.Slice(auths, func(i, j int) bool { return auths[i].Key < auths[j].Key })
	total := 0
	arr := make(ir.Array, 0, len(auths))
	for _, kw := range auths {
		if _, err := keys.ParsePublicKey(kw.Key); err != nil {
			return nil, buildErr(kind, field, "%v", err)
		}
		if kw.Weight <= 0 {
			return nil, buildErr(kind, field, "key weight must be positive")
		}
		total += kw.Weight
		arr = append(arr, ir.Array{ir.String(kw.Key), ir.Int(kw.Weight)})
	}
	threshold := u.WeightThreshold
	if threshold == 0 {
		threshold = 1
	}
	if threshold > total {
		return nil, buildErr(kind, field, "threshold %d unreachable with total weight %d", threshold, total)
	}
	return ir.Obj(
		ir.F("weight_threshold", ir.Int(threshold)),
		ir.F("account_auths", ir.Array{}),
		ir.F("key_auths", arr),
	), nil
}
