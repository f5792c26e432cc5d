// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco

import (
	"context"

	"github.com/rs/zerolog"

	"mellium.im/xmppcore/disco/info"
	"mellium.im/xmppcore/disco/items"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/form"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

// FormIter is the interface implemented by types that publish extended
// information forms.
type FormIter interface {
	ForForms(node string, f func(*form.Data) error) error
}

// Handler answers disco info and items requests by iterating over its sources
// and checking if they implement info.FeatureIter, info.IdentityIter,
// FormIter, or items.Iter.
// The disco#info feature is always advertised on the root node.
type Handler struct {
	root    *task.Root
	sources []interface{}
	logger  zerolog.Logger
	remove  func()
}

// Handle registers a handler on root that serves discovery requests from the
// given sources.
func Handle(root *task.Root, logger zerolog.Logger, sources ...interface{}) *Handler {
	h := &Handler{
		root:    root,
		sources: sources,
		logger:  logger.With().Str("component", "disco").Logger(),
	}
	h.remove = root.Add(h)
	return h
}

// Close stops answering requests.
func (h *Handler) Close() {
	h.remove()
}

// ForFeatures implements info.FeatureIter.
func (h *Handler) ForFeatures(node string, f func(info.Feature) error) error {
	if node != "" {
		return nil
	}
	return f(info.Feature{Var: NSInfo})
}

// Take answers get IQs carrying a disco query.
func (h *Handler) Take(el *element.Element) bool {
	if !stanza.IsIQ(el, stanza.GetIQ) {
		return false
	}
	var (
		resp *element.Element
		err  error
	)
	switch q := el.Elements(); {
	case len(q) == 1 && q[0].Is(NSInfo, "query"):
		resp, err = h.info(q[0].Attribute("node"))
	case len(q) == 1 && q[0].Is(NSItems, "query"):
		resp, err = h.items(q[0].Attribute("node"))
	default:
		return false
	}
	var reply *element.Element
	if err != nil {
		h.logger.Debug().Err(err).Msg("building disco response failed")
		reply = stanza.ErrorReply(el, stanza.NewError(stanza.InternalServerError, ""))
	} else {
		reply = stanza.Result(el).Append(resp)
	}
	if err := h.root.Send(context.Background(), reply); err != nil {
		h.logger.Debug().Err(err).Msg("sending disco response failed")
	}
	return true
}

func (h *Handler) info(node string) (*element.Element, error) {
	q := infoQuery(node)
	seen := make(map[string]struct{})
	for _, src := range append([]interface{}{h}, h.sources...) {
		iter, ok := src.(info.IdentityIter)
		if !ok {
			continue
		}
		err := iter.ForIdentities(node, func(i info.Identity) error {
			key := i.Category + ":" + i.Type + ":" + i.Name + ":" + i.Lang
			if _, ok := seen[key]; ok {
				return nil
			}
			seen[key] = struct{}{}
			q.Append(i.Element())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	seen = make(map[string]struct{})
	for _, src := range append([]interface{}{h}, h.sources...) {
		iter, ok := src.(info.FeatureIter)
		if !ok {
			continue
		}
		err := iter.ForFeatures(node, func(f info.Feature) error {
			if _, ok := seen[f.Var]; ok {
				return nil
			}
			seen[f.Var] = struct{}{}
			q.Append(f.Element())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for _, src := range h.sources {
		iter, ok := src.(FormIter)
		if !ok {
			continue
		}
		err := iter.ForForms(node, func(f *form.Data) error {
			q.Append(f.Element())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (h *Handler) items(node string) (*element.Element, error) {
	q := itemsQuery(node, nil)
	seen := make(map[string]struct{})
	for _, src := range h.sources {
		iter, ok := src.(items.Iter)
		if !ok {
			continue
		}
		err := iter.ForItems(node, func(i items.Item) error {
			key := i.JID.String() + "\x00" + i.Node
			if _, ok := seen[key]; ok {
				return nil
			}
			seen[key] = struct{}{}
			q.Append(i.Element())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}
