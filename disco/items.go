// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco

import (
	"context"
	"errors"

	"mellium.im/xmppcore/disco/items"
	"mellium.im/xmppcore/element"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/paging"
	"mellium.im/xmppcore/stanza"
	"mellium.im/xmppcore/task"
)

const (
	defPageSize = 32
)

func itemsQuery(node string, page *paging.RequestNext) *element.Element {
	q := element.New(NSItems, "query")
	if node != "" {
		q.SetAttr("node", node)
	}
	if page != nil {
		q.Append(page.Element())
	}
	return q
}

// GetItems discovers the items associated with the entity at to and an
// optional node.
// If the entity pages its results, every page is fetched.
func GetItems(ctx context.Context, root *task.Root, to jid.JID, node string) ([]items.Item, error) {
	var (
		out  []items.Item
		page *paging.RequestNext
	)
	for {
		resp, err := root.SendIQ(ctx, stanza.NewIQ(stanza.GetIQ, to, itemsQuery(node, page)))
		if err != nil {
			return out, err
		}
		q := resp.Child(NSItems, "query")
		if q == nil {
			return out, ErrNoQuery
		}
		children, set, err := paging.Split(q)
		if err != nil {
			return out, err
		}
		var n int
		for _, c := range children {
			if c.Name.Local != "item" {
				continue
			}
			item, err := items.Parse(c)
			if err != nil {
				return out, err
			}
			out = append(out, item)
			n++
		}
		next := set.Next(defPageSize)
		if next == nil || n == 0 || (page != nil && next.After == page.After) {
			return out, nil
		}
		if set.Count != nil && uint64(len(out)) >= *set.Count {
			return out, nil
		}
		page = next
	}
}

// ErrSkipItem is used as a return value from WalkItemFuncs to indicate that the
// node named in the call is to be skipped.
// It is not returned as an error by any function.
var ErrSkipItem = errors.New("skip this item")

// WalkItemFunc is the type of function called by WalkItem to visit each item in
// an item hierarchy.
// Item nodes are unique and absolute (in particular they should not be treated
// like paths, even if a particular implementation uses paths for node names).
//
// The error result returned by the function controls how WalkItem continues.
// If the function returns the special value ErrSkipItem, WalkItem skips the
// current item.
// Otherwise, if the function returns a non-nil error, WalkItem stops entirely
// and returns that error.
//
// The function is called before querying for an item to allow SkipItem to
// bypass the query entirely.
// If an error occurs while making the query, the function will be called again
// with the same item to report the error.
type WalkItemFunc func(level int, item items.Item, err error) error

// WalkItem walks the tree rooted at the item, calling fn for each item in the
// tree, including the root.
// To query the root, leave item.Node empty.
//
// The items are walked in wire order.
func WalkItem(ctx context.Context, root *task.Root, item items.Item, fn WalkItemFunc) error {
	return walkItem(ctx, root, 0, 0, []items.Item{item}, fn)
}

func ignoredErr(err error) bool {
	return errors.Is(err, stanza.Error{Condition: stanza.FeatureNotImplemented}) ||
		errors.Is(err, stanza.Error{Condition: stanza.ServiceUnavailable})
}

func walkItem(ctx context.Context, root *task.Root, level, itemIdx int, seen []items.Item, fn WalkItemFunc) error {
	last := len(seen) - 1
	item := seen[itemIdx]
	err := fn(level, item, nil)
	if err != nil {
		if err == ErrSkipItem {
			err = nil
		}
		return err
	}

	// Look for loops and duplicates.
	for n, oldItem := range seen {
		if n == itemIdx {
			continue
		}
		if oldItem.Node == item.Node && oldItem.JID.Equal(item.JID) {
			return nil
		}
	}

	children, err := GetItems(ctx, root, item.JID, item.Node)
	if ignoredErr(err) {
		err = nil
	}
	if err != nil {
		// Report the error with a second call to fn.
		err = fn(level, item, err)
		if err != nil {
			return err
		}
	}
	seen = append(seen, children...)

	for n := range seen[last+1:] {
		err = walkItem(ctx, root, level+1, n+last+1, seen, fn)
		if err != nil {
			if err == ErrSkipItem {
				continue
			}
			return err
		}
	}
	return nil
}
