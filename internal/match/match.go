// Package match pairs the local topic intent against stored check-ins.
//
// A topic matches when at least one side talks about it: an offer satisfies a
// want or another offer, but two listeners never match.
package match

import (
	"github.com/nostrmeet/nostrmeet/internal/checkin"
	"github.com/nostrmeet/nostrmeet/internal/store"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

// CommonTopic is one matching topic and both stances on it.
type CommonTopic struct {
	Topic        string        `json:"topic"`
	LocalStance  topics.Stance `json:"local_stance"`
	RemoteStance topics.Stance `json:"remote_stance"`
}

// Result is a check-in with every topic it matched on.
type Result struct {
	CheckIn      checkin.CheckIn `json:"checkin"`
	CommonTopics []CommonTopic   `json:"common_topics"`
}

// Matches applies the stance table.
func Matches(local, remote topics.Stance) bool {
	return local == topics.Talk || remote == topics.Talk
}

// Scan returns the check-ins sharing at least one matching topic with local,
// in the order given. Common topics follow the local intent's order.
func Scan(local topics.Intent, checkIns []checkin.CheckIn) []Result {
	var out []Result
	if local.IsEmpty() {
		return out
	}
	entries := local.Entries()
	for _, c := range checkIns {
		if r, ok := scanOne(entries, c); ok {
			out = append(out, r)
		}
	}
	return out
}

// ScanStore runs Scan over the store in insertion order.
func ScanStore(local topics.Intent, s *store.Store) []Result {
	return Scan(local, s.All())
}

func scanOne(local []topics.Entry, c checkin.CheckIn) (Result, bool) {
	var common []CommonTopic
	for _, e := range local {
		remote, ok := c.Topics.Get(e.Topic)
		if !ok || !Matches(e.Stance, remote) {
			continue
		}
		common = append(common, CommonTopic{Topic: e.Topic, LocalStance: e.Stance, RemoteStance: remote})
	}
	if len(common) == 0 {
		return Result{}, false
	}
	return Result{CheckIn: c, CommonTopics: common}, true
}
