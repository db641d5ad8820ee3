package builder

import (
	"encoding/json"
	"sort"

	"github.com/roach88/ledgerwrite/internal/asset"
	"github.com/roach88/ledgerwrite/internal/ir"
)

// Intent kinds.
const (
	KindVote          = "vote"
	KindComment       = "comment"
	KindPost          = "post"
	KindTransfer      = "transfer"
	KindPowerUp       = "transfer_to_vesting"
	KindPowerDown     = "withdraw_vesting"
	KindDelegate      = "delegate"
	KindFollow        = "follow"
	KindUnfollow      = "unfollow"
	KindMute          = "mute"
	KindReblog        = "reblog"
	KindClaimReward   = "claim_reward"
	KindAccountUpdate = "account_update"
	KindCustomJSON    = "custom_json"
)

// VotePayload casts or removes a vote. Weight is in basis points;
// zero removes an existing vote.
type VotePayload struct {
	Voter    string `json:"voter"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Weight   int    `json:"weight"`
}

func buildVote(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[VotePayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "voter", p.Voter); err != nil {
		return ir.OperationSet{}, err
	}
	if err := ValidateAccount(p.Author); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "author", "%v", err)
	}
	if err := validatePermlink(p.Permlink); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "permlink", "%v", err)
	}
	if p.Weight < -maxWeight || p.Weight > maxWeight {
		return ir.OperationSet{}, buildErr(intent.Kind, "weight", "%d outside [-%d, %d]", p.Weight, maxWeight, maxWeight)
	}
	return finish(intent, ir.AuthorityPosting, op("vote",
		ir.F("voter", ir.String(p.Voter)),
		ir.F("author", ir.String(p.Author)),
		ir.F("permlink", ir.String(p.Permlink)),
		ir.F("weight", ir.Int(p.Weight)),
	))
}

// Beneficiary receives a share of a post's author rewards.
type Beneficiary struct {
	Account string `json:"account"`
	Weight  int    `json:"weight"`
}

// CommentOptions are the optional payout settings of a post.
type CommentOptions struct {
	MaxAcceptedPayout    string        `json:"max_accepted_payout,omitempty"`
	PercentHBD           *int          `json:"percent_hbd,omitempty"`
	AllowVotes           *bool         `json:"allow_votes,omitempty"`
	AllowCurationRewards *bool         `json:"allow_curation_rewards,omitempty"`
	Beneficiaries        []Beneficiary `json:"beneficiaries,omitempty"`
}

// CommentPayload publishes a root post (empty ParentAuthor) or a reply.
type CommentPayload struct {
	ParentAuthor   string          `json:"parent_author"`
	ParentPermlink string          `json:"parent_permlink"`
	Author         string          `json:"author"`
	Permlink       string          `json:"permlink"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	JSONMetadata   string          `json:"json_metadata"`
	Options        *CommentOptions `json:"options,omitempty"`
}

func buildComment(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[CommentPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "author", p.Author); err != nil {
		return ir.OperationSet{}, err
	}
	if err := validatePermlink(p.Permlink); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "permlink", "%v", err)
	}
	if p.ParentAuthor != "" {
		if err := ValidateAccount(p.ParentAuthor); err != nil {
			return ir.OperationSet{}, buildErr(intent.Kind, "parent_author", "%v", err)
		}
	}
	// Root posts use the category tag as parent permlink.
	if err := validatePermlink(p.ParentPermlink); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "parent_permlink", "%v", err)
	}
	if p.Body == "" {
		return ir.OperationSet{}, buildErr(intent.Kind, "body", "body is empty")
	}
	if len(p.Title) > maxTitleLen {
		return ir.OperationSet{}, buildErr(intent.Kind, "title", "longer than %d", maxTitleLen)
	}
	if err := validateJSONObject(p.JSONMetadata); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "json_metadata", "%v", err)
	}

	ops := []ir.Operation{op("comment",
		ir.F("parent_author", ir.String(p.ParentAuthor)),
		ir.F("parent_permlink", ir.String(p.ParentPermlink)),
		ir.F("author", ir.String(p.Author)),
		ir.F("permlink", ir.String(p.Permlink)),
		ir.F("title", ir.String(p.Title)),
		ir.F("body", ir.String(p.Body)),
		ir.F("json_metadata", ir.String(p.JSONMetadata)),
	)}
	if p.Options != nil {
		opts, err := commentOptions(intent.Kind, p.Author, p.Permlink, *p.Options)
		if err != nil {
			return ir.OperationSet{}, err
		}
		ops = append(ops, opts)
	}
	return finish(intent, ir.AuthorityPosting, ops...)
}

var defaultMaxPayout, _ = asset.ParseWithSymbol("1000000", asset.HBD)

func commentOptions(kind, author, permlink string, o CommentOptions) (ir.Operation, error) {
	maxPayout := defaultMaxPayout
	if o.MaxAcceptedPayout != "" {
		a, err := asset.Parse(o.MaxAcceptedPayout)
		if err != nil {
			return ir.Operation{}, buildErr(kind, "options.max_accepted_payout", "%v", err)
		}
		if a.Symbol() != asset.HBD {
			return ir.Operation{}, buildErr(kind, "options.max_accepted_payout", "must be %s, got %s", asset.HBD, a.Symbol())
		}
		maxPayout = a
	}
	percent := maxWeight
	if o.PercentHBD != nil {
		percent = *o.PercentHBD
	}
	if percent < 0 || percent > maxWeight {
		return ir.Operation{}, buildErr(kind, "options.percent_hbd", "%d outside [0, %d]", percent, maxWeight)
	}
	allowVotes, allowCuration := true, true
	if o.AllowVotes != nil {
		allowVotes = *o.AllowVotes
	}
	if o.AllowCurationRewards != nil {
		allowCuration = *o.AllowCurationRewards
	}

	ext := ir.Array{}
	if len(o.Beneficiaries) > 0 {
		bens := append([]Beneficiary(nil), o.Beneficiaries...)
		// The ledger requires beneficiaries sorted by account name.
		sort.Slice(bens, func(i, j int) bool { return bens[i].Account < bens[j].Account })
		total := 0
		arr := make(ir.Array, 0, len(bens))
		for i, b := range bens {
			if err := ValidateAccount(b.Account); err != nil {
				return ir.Operation{}, buildErr(kind, "options.beneficiaries", "%v", err)
			}
			if i > 0 && bens[i-1].Account == b.Account {
				return ir.Operation{}, buildErr(kind, "options.beneficiaries", "duplicate beneficiary %q", b.Account)
			}
			if b.Weight <= 0 || b.Weight > maxWeight {
				return ir.Operation{}, buildErr(kind, "options.beneficiaries", "weight %d for %q outside (0, %d]", b.Weight, b.Account, maxWeight)
			}
			total += b.Weight
			arr = append(arr, ir.Obj(ir.F("account", ir.String(b.Account)), ir.F("weight", ir.Int(b.Weight))))
		}
		if total > maxWeight {
			return ir.Operation{}, buildErr(kind, "options.beneficiaries", "weights sum to %d, over %d", total, maxWeight)
		}
		ext = append(ext, ir.Array{ir.Int(0), ir.Obj(ir.F("beneficiaries", arr))})
	}

	return op("comment_options",
		ir.F("author", ir.String(author)),
		ir.F("permlink", ir.String(permlink)),
		ir.F("max_accepted_payout", ir.String(maxPayout.String())),
		ir.F("percent_hbd", ir.Int(percent)),
		ir.F("allow_votes", ir.Bool(allowVotes)),
		ir.F("allow_curation_rewards", ir.Bool(allowCuration)),
		ir.F("extensions", ext),
	), nil
}

// FollowPayload follows, unfollows or mutes an account depending on the
// intent kind.
type FollowPayload struct {
	Follower  string `json:"follower"`
	Following string `json:"following"`
}

func buildFollow(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[FollowPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "follower", p.Follower); err != nil {
		return ir.OperationSet{}, err
	}
	if err := ValidateAccount(p.Following); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "following", "%v", err)
	}
	if p.Follower == p.Following {
		return ir.OperationSet{}, buildErr(intent.Kind, "following", "cannot %s yourself", intent.Kind)
	}
	what := []string{}
	switch intent.Kind {
	case KindFollow:
		what = []string{"blog"}
	case KindMute:
		what = []string{"ignore"}
	}
	body := []any{"follow", map[string]any{
		"follower":  p.Follower,
		"following": p.Following,
		"what":      what,
	}}
	return followJSON(intent, p.Follower, body)
}

// ReblogPayload shares another author's post to the account's blog.
type ReblogPayload struct {
	Account  string `json:"account"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

func buildReblog(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[ReblogPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "account", p.Account); err != nil {
		return ir.OperationSet{}, err
	}
	if err := ValidateAccount(p.Author); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "author", "%v", err)
	}
	if p.Author == p.Account {
		return ir.OperationSet{}, buildErr(intent.Kind, "author", "cannot reblog your own post")
	}
	if err := validatePermlink(p.Permlink); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "permlink", "%v", err)
	}
	body := []any{"reblog", map[string]any{
		"account":  p.Account,
		"author":   p.Author,
		"permlink": p.Permlink,
	}}
	return followJSON(intent, p.Account, body)
}

// followJSON wraps a follow-plugin payload in a posting custom_json.
func followJSON(intent ir.WriteIntent, account string, body []any) (ir.OperationSet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "payload", "%v", err)
	}
	return finish(intent, ir.AuthorityPosting, customJSONOp("follow", string(raw), ir.AuthorityPosting, account))
}

// CustomJSONPayload is an application-defined custom_json operation.
// Active selects required_auths instead of required_posting_auths.
type CustomJSONPayload struct {
	Account string `json:"account"`
	ID      string `json:"id"`
	JSON    string `json:"json"`
	Active  bool   `json:"active,omitempty"`
}

func buildCustomJSON(intent ir.WriteIntent) (ir.OperationSet, error) {
	p, err := decodePayload[CustomJSONPayload](intent.Kind, intent.Payload)
	if err != nil {
		return ir.OperationSet{}, err
	}
	if err := actor(intent, "account", p.Account); err != nil {
		return ir.OperationSet{}, err
	}
	if p.ID == "" || len(p.ID) > maxCustomIDLen {
		return ir.OperationSet{}, buildErr(intent.Kind, "id", "must be 1 to %d characters", maxCustomIDLen)
	}
	if !json.Valid([]byte(p.JSON)) {
		return ir.OperationSet{}, buildErr(intent.Kind, "json", "not valid JSON")
	}
	auth := ir.AuthorityPosting
	if p.Active {
		auth = ir.AuthorityActive
	}
	return finish(intent, auth, customJSONOp(p.ID, p.JSON, auth, p.Account))
}

func customJSONOp(id, body string, auth ir.Authority, account string) ir.Operation {
	posting, active := ir.Array{}, ir.Array{}
	if auth == ir.AuthorityPosting {
		posting = ir.Strings(account)
	} else {
		active = ir.Strings(account)
	}
	return op("custom_json",
		ir.F("required_auths", active),
		ir.F("required_posting_auths", posting),
		ir.F("id", ir.String(id)),
		ir.F("json", ir.String(body)),
	)
}
