package watchlist

import (
	"slices"

	"github.com/danmuck/mdreactor/internal/protocol"
)

type ViewState uint8

const (
	ViewNew ViewState = iota
	ViewMerged
	ViewCommitted
)

func (s ViewState) String() string {
	switch s {
	case ViewNew:
		return "NEW"
	case ViewMerged:
		return "MERGED"
	case ViewCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// View is a request's field filter and where it stands in the aggregate.
type View struct {
	protocol.View
	State ViewState
}

func newView(v protocol.View) *View {
	out := &View{View: protocol.View{Type: v.Type}}
	out.FieldIDs = slices.Clone(v.FieldIDs)
	out.Names = slices.Clone(v.Names)
	slices.Sort(out.FieldIDs)
	out.FieldIDs = slices.Compact(out.FieldIDs)
	slices.Sort(out.Names)
	out.Names = slices.Compact(out.Names)
	return out
}

func (v *View) equal(o *View) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Type == o.Type && slices.Equal(v.FieldIDs, o.FieldIDs) && slices.Equal(v.Names, o.Names)
}

// mergeViews returns the union of the views. Any request without a view,
// or views of different types, widen the aggregate to the full item (nil).
func mergeViews(views []*View) *View {
	if len(views) == 0 {
		return nil
	}
	for _, v := range views {
		if v == nil || v.Type != views[0].Type {
			return nil
		}
	}
	out := &View{View: protocol.View{Type: views[0].Type}, State: ViewMerged}
	for _, v := range views {
		out.FieldIDs = append(out.FieldIDs, v.FieldIDs...)
		out.Names = append(out.Names, v.Names...)
	}
	slices.Sort(out.FieldIDs)
	out.FieldIDs = slices.Compact(out.FieldIDs)
	slices.Sort(out.Names)
	out.Names = slices.Compact(out.Names)
	return out
}
