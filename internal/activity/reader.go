package activity

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/models"
	"github.com/go-playground/validator/v10"
)

const DefaultPageSize = 20

var ErrValidation = errors.New("validation failed")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Page struct {
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`
}

// Reader is a read-only view of authentication events.
type Reader struct {
	api api.Doer
}

func NewReader(doer api.Doer) *Reader {
	return &Reader{api: doer}
}

func (r *Reader) List(ctx context.Context, page Page) (models.ActivityPage, error) {
	if err := validate.Struct(page); err != nil {
		return models.ActivityPage{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(page.Limit))
	q.Set("offset", strconv.Itoa(page.Offset))

	var out models.ActivityPage
	if err := r.api.Do(ctx, api.Request{Method: http.MethodGet, Path: api.PathActivity, Query: q}, &out); err != nil {
		return models.ActivityPage{}, fmt.Errorf("failed to list activity: %w", err)
	}
	return out, nil
}

// All walks every page in order. Iteration stops at the first error, which is
// yielded once.
func (r *Reader) All(ctx context.Context, pageSize int) iter.Seq2[models.ActivityEntry, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(models.ActivityEntry, error) bool) {
		offset := 0
		for {
			page, err := r.List(ctx, Page{Limit: pageSize, Offset: offset})
			if err != nil {
				yield(models.ActivityEntry{}, err)
				return
			}
			for _, entry := range page.Activity {
				if !yield(entry, nil) {
					return
				}
			}
			offset += len(page.Activity)
			if len(page.Activity) == 0 || offset >= page.Count {
				return
			}
		}
	}
}
