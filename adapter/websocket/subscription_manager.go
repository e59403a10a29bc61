package websocket

import (
	"go.uber.org/zap"

	marketdata "github.com/bjoelf/wsmarketdata/adapter"
)

// DomainGroup is the list of items requested on one domain
type DomainGroup struct {
	Domain marketdata.DomainModel
	Items  []string
}

// BuildSubscriptionRequest builds one batch request for items on a single
// domain starting at streamID
func BuildSubscriptionRequest(domain marketdata.DomainModel, service string, items []string, streamID int, view marketdata.View, streaming bool) SubscriptionRequest {
	return SubscriptionRequest{
		StreamID:  streamID,
		Domain:    domain,
		Service:   service,
		Items:     append([]string(nil), items...),
		View:      view,
		Streaming: streaming,
	}
}

// GroupByDomain groups items by domain, keeping the order in which each
// domain first appears and the item order within a domain
func GroupByDomain(pairs []marketdata.DomainItem) []DomainGroup {
	var groups []DomainGroup
	index := make(map[marketdata.DomainModel]int)
	for _, p := range pairs {
		i, ok := index[p.Domain]
		if !ok {
			i = len(groups)
			index[p.Domain] = i
			groups = append(groups, DomainGroup{Domain: p.Domain})
		}
		groups[i].Items = append(groups[i].Items, p.Item)
	}
	return groups
}

// AllocateStreamIDs returns the base stream ID of each group: groups get
// contiguous, non-overlapping ranges starting at base
func AllocateStreamIDs(groups []DomainGroup, base int) []int {
	ids := make([]int, len(groups))
	cursor := base
	for i, g := range groups {
		ids[i] = cursor
		cursor += len(g.Items)
	}
	return ids
}

// sendInitialRequests issues the configured item requests after login.
// Called with e.mu held.
func (e *Engine) sendInitialRequests() error {
	var (
		next int
		err  error
	)
	if len(e.cfg.DomainItems) > 0 {
		next, err = e.sendMultiDomainBatch(e.cfg.DomainItems, e.nextStreamID)
	} else {
		next, err = e.sendSingleDomainBatch(e.cfg.Domain, e.cfg.Items, e.nextStreamID)
	}
	e.nextStreamID = next
	return err
}

// sendSingleDomainBatch sends one batch and returns the next free stream ID
func (e *Engine) sendSingleDomainBatch(domain marketdata.DomainModel, items []string, streamID int) (int, error) {
	if len(items) == 0 {
		return streamID, nil
	}

	req := BuildSubscriptionRequest(domain, e.cfg.Service, items, streamID, e.cfg.View, !e.cfg.Snapshot)
	if err := e.sendJSON("MP Request", req); err != nil {
		return streamID, err
	}
	e.counters.Requested += len(items)

	e.logger.Info("Sent item request",
		zap.String("function", "sendSingleDomainBatch"),
		zap.Int("stream_id", streamID),
		zap.String("domain", domain.Canonical()),
		zap.Int("item_count", len(items)),
		zap.Int("view_fields", req.View.Len()),
		zap.Bool("streaming", req.Streaming))
	return streamID + len(items), nil
}

// sendMultiDomainBatch sends one batch per domain group and returns the next
// free stream ID
func (e *Engine) sendMultiDomainBatch(pairs []marketdata.DomainItem, streamID int) (int, error) {
	groups := GroupByDomain(pairs)
	ids := AllocateStreamIDs(groups, streamID)

	next := streamID
	for i, g := range groups {
		var err error
		if next, err = e.sendSingleDomainBatch(g.Domain, g.Items, ids[i]); err != nil {
			return next, err
		}
	}
	return next, nil
}
