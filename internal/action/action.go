package action

import (
	"cmp"
	"context"
	"slices"
)

type Kind string

const (
	KindMute   Kind = "mute"
	KindBan    Kind = "ban"
	KindUnban  Kind = "unban"
	KindKick   Kind = "kick"
	KindPreban Kind = "preban"
)

// Outcome is the coarse result of one executor call.
type Outcome int

const (
	Success Outcome = iota
	MemberNotFound
	Forbidden
	GuildNotFound
	InternalUnknown
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case MemberNotFound:
		return "member_not_found"
	case Forbidden:
		return "forbidden"
	case GuildNotFound:
		return "guild_not_found"
	default:
		return "internal_unknown"
	}
}

// Target addresses one member of a guild. RoleID is only meaningful for mutes.
type Target struct {
	GuildID  int64
	MemberID int64
	RoleID   int64
}

// Executor performs the platform side of a moderation action. Implementations
// report failures through the Outcome; err carries the underlying cause and may
// be set together with a non-Success outcome.
type Executor interface {
	Apply(ctx context.Context, kind Kind, target Target, reason string) (Outcome, error)
	Reverse(ctx context.Context, kind Kind, target Target, reason string) (Outcome, error)
}

type Result struct {
	MemberID int64
	Outcome  Outcome
	Err      error
}

func (r Result) OK() bool {
	return r.Outcome == Success
}

// Partition splits results into succeeded member ids and failed results,
// both ordered by member id.
func Partition(results []Result) (succeeded []int64, failed []Result) {
	for _, r := range results {
		if r.OK() {
			succeeded = append(succeeded, r.MemberID)
			continue
		}
		failed = append(failed, r)
	}
	slices.Sort(succeeded)
	slices.SortFunc(failed, func(a, b Result) int {
		return cmp.Compare(a.MemberID, b.MemberID)
	})
	return succeeded, failed
}
