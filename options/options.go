// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package options materializes votable option lists from activity config
blobs. Config stores options as either bare strings or open records;
every option resolves to a stable scoped id so that items transferred
between activities keep their identity across tool conversions.
*/
package options

import (
	"strconv"

	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
)

// Option is one votable choice with its activity-scoped identity.
type Option struct {
	ID               string
	Label            string
	SourceActivityID string
}

// Derive materializes the option list from a config "options" value.
// Each option gets a scoped id "{activityID}:{slug-or-index}" unless it
// carries upstream provenance (an explicit id, or a source-activity
// field), in which case the provenance-derived id wins.
func Derive(activityID string, raw []any) []Option {
	opts := make([]Option, 0, len(raw))
	for i, entry := range raw {
		switch v := entry.(type) {
		case string:
			if v == "" {
				continue
			}
			opts = append(opts, Option{
				ID:    ScopedID(activityID, v, i),
				Label: v,
			})
		case map[string]any:
			opt := fromRecord(activityID, v, i)
			if opt.Label == "" {
				continue
			}
			opts = append(opts, opt)
		}
	}
	return opts
}

func fromRecord(activityID string, record map[string]any, index int) Option {
	label, _ := record["label"].(string)
	if label == "" {
		label, _ = record["content"].(string)
	}
	id, _ := record["id"].(string)
	source, _ := record["source_activity_id"].(string)

	opt := Option{Label: label, SourceActivityID: source}
	switch {
	case id != "":
		opt.ID = id
	case source != "":
		opt.ID = ScopedID(source, label, index)
	default:
		opt.ID = ScopedID(activityID, label, index)
	}
	return opt
}

// ScopedID namespaces a slugified label under an activity (or upstream
// source) id, falling back to the positional index for unsluggable
// labels.
func ScopedID(namespace, label string, index int) string {
	slug := identity.Slugify(label)
	if slug == "" {
		slug = strconv.Itoa(index)
	}
	return namespace + ":" + slug
}

// Find returns the option with the given id, or nil.
func Find(opts []Option, id string) *Option {
	for i := range opts {
		if opts[i].ID == id {
			return &opts[i]
		}
	}
	return nil
}

// SeedRecord converts an upstream bundle item into an option record for
// the config blob, preserving provenance.
func SeedRecord(item models.BundleItem, sourceActivityID string) map[string]any {
	rec := map[string]any{
		"label": item.Content,
	}
	if item.ID != "" {
		rec["id"] = item.ID
	}
	src := item.SourceActivityID
	if src == "" {
		src = sourceActivityID
	}
	if src != "" {
		rec["source_activity_id"] = src
	}
	return rec
}
