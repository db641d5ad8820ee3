package builder

import (
	"github.com/roach88/ledgerwrite/internal/asset"
	"github.com/roach88/ledgerwrite/internal/ir"
)

// TransferPayload moves liquid HIVE or HBD between accounts.
type TransferPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

func buildTransfer(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[TransferPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "from", p.From); err != nil {
		return ir.OperationSet{}, err
	}
	if err := ValidateAccount(p.To); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "to", "%v", err)
	}
	amount, err := positiveAmount(intent.Kind, "amount", p.Amount, asset.HIVE, asset.HBD)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if len(p.Memo) > maxMemoLen {
		return ir.OperationSet{}, buildErr(intent.Kind, "memo", "longer than %d bytes", maxMemoLen)
	}
	return finish(intent, ir.AuthorityActive, op("transfer",
		ir.F("from", ir.String(p.From)),
		ir.F("to", ir.String(p.To)),
		ir.F("amount", ir.String(amount.String())),
		ir.F("memo", ir.String(p.Memo)),
	))
}

// PowerUpPayload converts HIVE to vesting shares. An empty To powers up
// the sender's own account.
type PowerUpPayload struct {
	From   string `json:"from"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount"`
}

func buildPowerUp(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[PowerUpPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "from", p.From); err != nil {
		return ir.OperationSet{}, err
	}
	to := p.To
	if to == "" {
		to = p.From
	}
	if err := ValidateAccount(to); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "to", "%v", err)
	}
	amount, err := positiveAmount(intent.Kind, "amount", p.Amount, asset.HIVE)
	if err != nil {
		return ir.OperationSet{}, err
	}
	return finish(intent, ir.AuthorityActive, op("transfer_to_vesting",
		ir.F("from", ir.String(p.From)),
		ir.F("to", ir.String(to)),
		ir.F("amount", ir.String(amount.String())),
	))
}

// PowerDownPayload starts, changes or (with zero shares) stops a
// power down.
type PowerDownPayload struct {
	Account       string `json:"account"`
	VestingShares string `json:"vesting_shares"`
}

func buildPowerDown(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[PowerDownPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "account", p.Account); err != nil {
		return ir.OperationSet{}, err
	}
	shares, err := amountOf(intent.Kind, "vesting_shares", p.VestingShares, asset.VESTS)
	if err != nil {
		return ir.OperationSet{}, err
	}
	return finish(intent, ir.AuthorityActive, op("withdraw_vesting",
		ir.F("account", ir.String(p.Account)),
		ir.F("vesting_shares", ir.String(shares.String())),
	))
}

// DelegatePayload sets the delegated vesting shares from Delegator to
// Delegatee. Zero removes the delegation.
type DelegatePayload struct {
	Delegator     string `json:"delegator"`
	Delegatee     string `json:"delegatee"`
	VestingShares string `json:"vesting_shares"`
}

func buildDelegate(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[DelegatePayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "delegator", p.Delegator); err != nil {
		return ir.OperationSet{}, err
	}
	if err := ValidateAccount(p.Delegatee); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "delegatee", "%v", err)
	}
	if p.Delegatee == p.Delegator {
		return ir.OperationSet{}, buildErr(intent.Kind, "delegatee", "cannot delegate to yourself")
	}
	shares, err := amountOf(intent.Kind, "vesting_shares", p.VestingShares, asset.VESTS)
	if err != nil {
		return ir.OperationSet{}, err
	}
	return finish(intent, ir.AuthorityActive, op("delegate_vesting_shares",
		ir.F("delegator", ir.String(p.Delegator)),
		ir.F("delegatee", ir.String(p.Delegatee)),
		ir.F("vesting_shares", ir.String(shares.String())),
	))
}

// ClaimRewardPayload claims pending author and curation rewards. Empty
// amounts claim nothing of that asset; at least one must be non-zero.
type ClaimRewardPayload struct {
	Account     string `json:"account"`
	RewardHive  string `json:"reward_hive,omitempty"`
	RewardHBD   string `json:"reward_hbd,omitempty"`
	RewardVests string `json:"reward_vests,omitempty"`
}

func buildClaimReward(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[ClaimRewardPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "account", p.Account); err != nil {
		return ir.OperationSet{}, err
	}
	rewards := []struct {
		field string
		raw   string
		sym   asset.Symbol
	}{
		{"reward_hive", p.RewardHive, asset.HIVE},
		{"reward_hbd", p.RewardHBD, asset.HBD},
		{"reward_vests", p.RewardVests, asset.VESTS},
	}
	pairs := []ir.Pair{ir.F("account", ir.String(p.Account))}
	claimed := false
	for _, r := range rewards {
		a := asset.Zero(r.sym)
		if r.raw != "" {
			if a, err = amountOf(intent.Kind, r.field, r.raw, r.sym); err != nil {
				return ir.OperationSet{}, err
			}
		}
		claimed = claimed || !a.IsZero()
		pairs = append(pairs, ir.F(r.field, ir.String(a.String())))
	}
	if !claimed {
		return ir.OperationSet{}, buildErr(intent.Kind, "reward_hive", "nothing to claim")
	}
	return finish(intent, ir.AuthorityPosting, op("claim_reward_balance", pairs...))
}

// amountOf parses raw and checks its asset is one of allowed. Zero is
// accepted.
func amountOf(kind, field, raw string, allowed ...asset.Symbol) (asset.Amount, error) {
	a, err := asset.Parse(raw)
	if err != nil {
		return asset.Amount{}, buildErr(kind, field, "%v", err)
	}
	for _, sym := range allowed {
		if a.Symbol() == sym {
			return a, nil
		}
	}
	return asset.Amount{}, buildErr(kind, field, "asset %s not allowed here, want one of %v", a.Symbol(), allowed)
}

func positiveAmount(kind, field, raw string, allowed ...asset.Symbol) (asset.Amount, error) {
	a, err := amountOf(kind, field, raw, allowed...)
	if err != nil {
		return a, err
	}
	if err := a.RequirePositive(); err != nil {
		return asset.Amount{}, buildErr(kind, field, "%v", err)
	}
	return a, nil
}
