package event

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceEvent is one observed change in a wallet's holdings of one asset.
// Balance holds from Timestamp until the next event for the same asset.
type BalanceEvent struct {
	AssetID   string
	Timestamp time.Time
	Balance   decimal.Decimal
}

// AssetIDs returns the distinct asset IDs in first-seen order.
func AssetIDs(events []BalanceEvent) []string {
	seen := make(map[string]struct{}, len(events))
	var ids []string
	for _, e := range events {
		if _, ok := seen[e.AssetID]; ok {
			continue
		}
		seen[e.AssetID] = struct{}{}
		ids = append(ids, e.AssetID)
	}
	return ids
}

// FilterAsset returns the events of one asset, preserving input order.
func FilterAsset(events []BalanceEvent, assetID string) []BalanceEvent {
	var out []BalanceEvent
	for _, e := range events {
		if e.AssetID == assetID {
			out = append(out, e)
		}
	}
	return out
}

// SortedByTime returns a copy ordered by Timestamp. Equal timestamps keep
// their input order so the later-listed event still wins on override.
func SortedByTime(events []BalanceEvent) []BalanceEvent {
	out := make([]BalanceEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
