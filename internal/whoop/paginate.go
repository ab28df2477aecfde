package whoop

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// MaxPageSize is the largest page the collection endpoints accept
const MaxPageSize = 25

// windowFormat keeps millisecond precision so End is not rounded down and
// the final second of an inclusive window is still queried
const windowFormat = "2006-01-02T15:04:05.000Z07:00"

// ListOptions bounds a collection query to [Start, End]. Zero times are
// omitted.
type ListOptions struct {
	Start time.Time
	End   time.Time
	Limit int
}

func (o ListOptions) query(nextToken string) url.Values {
	q := url.Values{}
	limit := o.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	if !o.Start.IsZero() {
		q.Set("start", o.Start.UTC().Format(windowFormat))
	}
	if !o.End.IsZero() {
		q.Set("end", o.End.UTC().Format(windowFormat))
	}
	if nextToken != "" {
		q.Set("nextToken", nextToken)
	}
	return q
}

// Paginate follows next tokens and hands each page to fn in vendor order.
// It stops at the first error from the API or from fn, and checks ctx between
// pages.
func Paginate[T any](ctx context.Context, c *Client, op, path, accessToken string, opts ListOptions, fn func([]T) error) error {
	next := ""
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := c.get(ctx, op, path, accessToken, opts.query(next))
		if err != nil {
			return err
		}

		var p Page[T]
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("failed to decode page %d of %s: %w", page, path, err)
		}

		if len(p.Records) > 0 {
			if err := fn(p.Records); err != nil {
				return err
			}
		}

		if p.NextToken == "" || p.NextToken == next {
			return nil
		}
		next = p.NextToken
	}
}

// ListAll collects every page into one slice
func ListAll[T any](ctx context.Context, c *Client, op, path, accessToken string, opts ListOptions) ([]T, error) {
	var all []T
	err := Paginate(ctx, c, op, path, accessToken, opts, func(records []T) error {
		all = append(all, records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}
