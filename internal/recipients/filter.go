// Package recipients removes opted-out and suppressed numbers from a send list.
package recipients

import (
	"context"
	"fmt"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/phone"
)

// Lookup answers which of the given normalized phones belong to a suppression set.
type Lookup interface {
	UnsubscribedPhones(ctx context.Context, phones []string) (map[string]bool, error)
	SuppressedPhones(ctx context.Context, phones []string) (map[string]bool, error)
}

// Result partitions a recipient list. Removed holds the normalized phones
// that matched the set.
type Result struct {
	Kept    []core.Recipient
	Skipped []core.Recipient
	Removed map[string]bool
}

func FilterUnsubscribed(ctx context.Context, l Lookup, rs []core.Recipient) (Result, error) {
	return partition(ctx, rs, l.UnsubscribedPhones)
}

func FilterSuppressed(ctx context.Context, l Lookup, rs []core.Recipient) (Result, error) {
	return partition(ctx, rs, l.SuppressedPhones)
}

// Filter applies the unsubscribed filter and then the suppressed filter.
func Filter(ctx context.Context, l Lookup, rs []core.Recipient) (kept []core.Recipient, skipped int, err error) {
	unsub, err := FilterUnsubscribed(ctx, l, rs)
	if err != nil {
		return nil, 0, err
	}
	supp, err := FilterSuppressed(ctx, l, unsub.Kept)
	if err != nil {
		return nil, 0, err
	}
	return supp.Kept, len(unsub.Skipped) + len(supp.Skipped), nil
}

func partition(ctx context.Context, rs []core.Recipient, lookup func(context.Context, []string) (map[string]bool, error)) (Result, error) {
	phones := make([]string, 0, len(rs))
	for _, r := range rs {
		if p := phone.Normalize(r.Phone); p != "" {
			phones = append(phones, p)
		}
	}
	removed, err := lookup(ctx, phones)
	if err != nil {
		return Result{}, err
	}
	if len(removed) == 0 {
		return Result{Kept: rs, Removed: removed}, nil
	}
	res := Result{Removed: removed}
	for _, r := range rs {
		if removed[phone.Normalize(r.Phone)] {
			res.Skipped = append(res.Skipped, r)
			continue
		}
		res.Kept = append(res.Kept, r)
	}
	return res, nil
}

// Source lists the raw recipients of a target.
type Source interface {
	CommunityRecipients(ctx context.Context) ([]core.Recipient, error)
	EventRecipients(ctx context.Context, eventID int64) ([]core.Recipient, error)
}

// Resolve returns the unfiltered recipient list for target.
func Resolve(ctx context.Context, src Source, target string, eventID *int64) ([]core.Recipient, error) {
	switch target {
	case core.TargetCommunity:
		return src.CommunityRecipients(ctx)
	case core.TargetEvent:
		if eventID == nil {
			return nil, fmt.Errorf("event target without event id")
		}
		return src.EventRecipients(ctx, *eventID)
	}
	return nil, fmt.Errorf("unknown target %q", target)
}
